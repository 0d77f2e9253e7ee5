// Package dedup filters out advisories whose fingerprint was already seen
// in a previous cycle.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/threatfeed/internal/advisory"
	"github.com/linnemanlabs/threatfeed/internal/state"
)

// Filter checks candidate items against the persisted seen-set and passes
// through only unseen ones, marking them seen as they pass.
type Filter struct {
	// mu serializes the check-then-mark pair so two concurrently-processed
	// copies of the same item can never both observe "unseen" and proceed.
	mu     sync.Mutex
	store  state.SeenStore
	logger log.Logger
}

// New creates a Filter over the given seen-set store.
func New(store state.SeenStore, logger log.Logger) *Filter {
	return &Filter{store: store, logger: logger}
}

// Apply fingerprints each candidate, drops the ones already seen, and marks
// and returns the fresh ones in input order. The duplicate count covers both
// cross-cycle repeats and intra-batch repeats (the same advisory arriving
// from two collectors in one cycle). A store error aborts the whole batch:
// the caller must treat the cycle as failed rather than risk double
// notification on a half-checked batch.
func (f *Filter) Apply(ctx context.Context, candidates []advisory.RawItem) (fresh []advisory.Item, duplicates int, err error) {
	now := time.Now()

	for _, raw := range candidates {
		fp := advisory.Fingerprint(raw)

		seen, err := f.checkAndMark(ctx, fp, now)
		if err != nil {
			return nil, 0, fmt.Errorf("dedup %q: %w", raw.Source, err)
		}
		if seen {
			duplicates++
			continue
		}

		fresh = append(fresh, advisory.Item{RawItem: raw, Fingerprint: fp})
	}

	f.logger.Info(ctx, "dedup complete",
		"candidates", len(candidates),
		"fresh", len(fresh),
		"duplicates", duplicates,
	)
	return fresh, duplicates, nil
}

// PruneSeen expires seen records older than cutoff when the underlying
// store supports it; otherwise it is a no-op.
func (f *Filter) PruneSeen(ctx context.Context, cutoff time.Time) (int64, error) {
	pruner, ok := f.store.(state.SeenPruner)
	if !ok {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return pruner.PruneSeenBefore(ctx, cutoff)
}

func (f *Filter) checkAndMark(ctx context.Context, fingerprint string, now time.Time) (seen bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seen, err = f.store.Has(ctx, fingerprint)
	if err != nil {
		return false, fmt.Errorf("seen-set check: %w", err)
	}
	if seen {
		return true, nil
	}
	if err := f.store.MarkSeen(ctx, fingerprint, now); err != nil {
		return false, fmt.Errorf("mark seen: %w", err)
	}
	return false, nil
}
