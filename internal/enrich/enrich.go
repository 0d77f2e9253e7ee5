// Package enrich scores deduplicated advisories through an external
// reasoning service, under the spend cap enforced by the budget tracker.
// Item text is always embedded as delimited data, never as instructions,
// and responses are validated against a strict schema: a malformed severity
// makes the item enrichment-failed, never a defaulted number.
package enrich

import (
	"context"
	"errors"

	"github.com/linnemanlabs/threatfeed/internal/advisory"
)

// Provider is the interface for any reasoning-service backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Request is one completion call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the provider's reply with token accounting for cost tracking.
type Response struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// TransientError is implemented by provider errors worth retrying
// (timeouts, 5xx, rate limits).
type TransientError interface {
	error
	Transient() bool
}

// CallMadeError is implemented by provider errors where the request reached
// the provider, meaning it may have cost money even though it failed.
type CallMadeError interface {
	error
	CallMade() bool
}

func isTransient(err error) bool {
	var te TransientError
	return errors.As(err, &te) && te.Transient()
}

func callMade(err error) bool {
	var ce CallMadeError
	return errors.As(err, &ce) && ce.CallMade()
}

// Status tags the outcome of enrichment for one item.
type Status string

const (
	// StatusEnriched means the call succeeded and the verdict passed schema
	// validation; Item.Enrichment is set.
	StatusEnriched Status = "enriched"

	// StatusFailed means the call failed or the response violated the
	// schema; the item must be excluded from routing.
	StatusFailed Status = "failed"

	// StatusBudgetSkipped means the spend cap was reached before this item's
	// batch was attempted. A policy stop, not an error.
	StatusBudgetSkipped Status = "budget_skipped"
)

// Result pairs an item with its enrichment outcome.
type Result struct {
	Item   advisory.Item
	Status Status
	Err    error
}
