// Package state defines the persistence contract for the two record sets
// that must survive process restarts: the dedup seen-set and the per-period
// spend ledger. Implementations live in the sqlitestore (default), pgstore,
// and memstore subpackages.
package state

import (
	"context"
	"time"
)

// SeenStore is the durable, content-addressed set of item fingerprints.
type SeenStore interface {
	// Has reports whether the fingerprint was recorded in any prior cycle.
	Has(ctx context.Context, fingerprint string) (bool, error)

	// MarkSeen records the fingerprint. It is idempotent: marking an
	// already-seen fingerprint is a no-op, not an error, and the original
	// first-seen timestamp is kept.
	MarkSeen(ctx context.Context, fingerprint string, firstSeen time.Time) error
}

// SeenPruner is implemented by seen-set stores that can expire old
// records. Pruning trades a bounded store size for the chance of
// re-notifying an advisory that resurfaces after the retention window.
type SeenPruner interface {
	// PruneSeenBefore deletes records first seen before cutoff and returns
	// the number deleted.
	PruneSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SpendStore is the durable per-period spend ledger. Exactly one record
// exists per period key; it is created lazily on first charge and only ever
// grows within a period.
type SpendStore interface {
	// Spend returns the accumulated spend for the period, 0 if no record
	// exists yet. The value is always read from storage, never cached, so a
	// restart mid-period cannot reset the ledger.
	Spend(ctx context.Context, periodKey string) (float64, error)

	// AddSpend adds amount to the period's accumulated spend, creating the
	// record if needed.
	AddSpend(ctx context.Context, periodKey string, amount float64) error
}

// Store is the combined persistence surface the pipeline wires at startup.
type Store interface {
	SeenStore
	SpendStore

	Close() error
}
