// Package budget gates reasoning-service spend under a per-period soft cap.
// Accumulated spend is persisted through state.SpendStore so a restart
// mid-period never resets the ledger. The cap is advisory: a pre-check
// followed by a charge is not atomic, so concurrent callers can overshoot
// by at most (concurrency limit x per-call cost).
package budget

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/threatfeed/internal/state"
)

// Claude Sonnet pricing per token.
const (
	inputCostPerToken  = 3.0 / 1_000_000  // $3 per 1M input tokens
	outputCostPerToken = 15.0 / 1_000_000 // $15 per 1M output tokens
)

// Tracker enforces the daily spend cap.
type Tracker struct {
	store   state.SpendStore
	cap     float64
	now     func() time.Time
	counter prometheus.Counter
}

// New creates a Tracker with the given daily cap in USD. The cap must be
// positive; a non-positive cap is a configuration error, not a disabled
// limit.
func New(store state.SpendStore, capUSD float64) (*Tracker, error) {
	if capUSD <= 0 {
		return nil, fmt.Errorf("daily cost limit must be positive, got %v", capUSD)
	}
	return &Tracker{store: store, cap: capUSD, now: time.Now}, nil
}

// PeriodKey returns the spend bucket for t: the UTC calendar date.
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Remaining returns the budget left for the current period. The accumulated
// value is read from the store on every call.
func (t *Tracker) Remaining(ctx context.Context) (float64, error) {
	spent, err := t.store.Spend(ctx, PeriodKey(t.now()))
	if err != nil {
		return 0, fmt.Errorf("read spend record: %w", err)
	}
	return t.cap - spent, nil
}

// Charge records amount against the current period. Charges are recorded
// even when the call they paid for failed; a failed call after the provider
// executed still costs money.
func (t *Tracker) Charge(ctx context.Context, amount float64) error {
	if amount <= 0 {
		return nil
	}
	if err := t.store.AddSpend(ctx, PeriodKey(t.now()), amount); err != nil {
		return fmt.Errorf("record spend: %w", err)
	}
	if t.counter != nil {
		t.counter.Add(amount)
	}
	return nil
}

// Cap returns the configured period cap in USD.
func (t *Tracker) Cap() float64 { return t.cap }

// CostUSD converts token usage into the dollar cost of one call.
func CostUSD(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*inputCostPerToken + float64(outputTokens)*outputCostPerToken
}

// WithSpendCounter mirrors every recorded charge onto c. The persisted
// ledger stays authoritative; the counter is a process-local ops view.
func (t *Tracker) WithSpendCounter(c prometheus.Counter) *Tracker {
	t.counter = c
	return t
}

// WithClock overrides the clock. Test hook.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}
