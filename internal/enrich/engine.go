package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatfeed/internal/advisory"
	"github.com/linnemanlabs/threatfeed/internal/budget"
)

const (
	defaultBatchSize   = 15
	defaultMaxTokens   = 4096
	defaultMaxAttempts = 3

	// estimatedFailedCallCostUSD is charged when a call reached the provider
	// but returned no usage figures. Failed calls still cost money.
	estimatedFailedCallCostUSD = 0.01
)

// Engine batches items through a Provider and validates the verdicts.
type Engine struct {
	provider    Provider
	tracker     *budget.Tracker
	logger      log.Logger
	batchSize   int
	maxAttempts int
	sleep       func(time.Duration)
}

// Option configures an Engine.
type Option func(*Engine)

// WithBatchSize overrides the number of items per provider call.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithSleeper replaces the retry backoff sleep, for tests.
func WithSleeper(fn func(time.Duration)) Option {
	return func(e *Engine) { e.sleep = fn }
}

// NewEngine builds an enrichment engine.
func NewEngine(provider Provider, tracker *budget.Tracker, logger log.Logger, opts ...Option) *Engine {
	e := &Engine{
		provider:    provider,
		tracker:     tracker,
		logger:      logger.With("component", "enrich"),
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		sleep:       time.Sleep,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enrich scores every item and returns one Result per input, in input order.
// The spend cap is checked before each batch; once it is exhausted all
// remaining items are marked budget-skipped rather than sent.
func (e *Engine) Enrich(ctx context.Context, items []advisory.Item) ([]Result, error) {
	results := make([]Result, 0, len(items))
	skipping := false

	for start := 0; start < len(items); start += e.batchSize {
		end := start + e.batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		if !skipping {
			remaining, err := e.tracker.Remaining(ctx)
			if err != nil {
				return nil, fmt.Errorf("enrich: reading spend: %w", err)
			}
			if remaining <= 0 {
				e.logger.Warn(ctx, "daily budget exhausted, skipping remaining items",
					"remaining_items", len(items)-start)
				skipping = true
			}
		}
		if skipping {
			for _, it := range batch {
				results = append(results, Result{Item: it, Status: StatusBudgetSkipped})
			}
			continue
		}

		batchResults, err := e.enrichBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		results = append(results, batchResults...)
	}
	return results, nil
}

// enrichBatch runs one provider call for a batch. Call failures and schema
// violations fail the items in the batch; they never fail the cycle.
func (e *Engine) enrichBatch(ctx context.Context, batch []advisory.Item) ([]Result, error) {
	req := &Request{
		System:    buildSystemPrompt(),
		Prompt:    buildBatchPrompt(batch),
		MaxTokens: defaultMaxTokens,
	}

	resp, err := e.complete(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if callMade(err) {
			if cerr := e.tracker.Charge(ctx, estimatedFailedCallCostUSD); cerr != nil {
				return nil, fmt.Errorf("enrich: recording spend: %w", cerr)
			}
		}
		e.logger.Error(ctx, err, "enrichment call failed", "batch_size", len(batch))
		return failBatch(batch, err), nil
	}

	cost := budget.CostUSD(resp.InputTokens, resp.OutputTokens)
	if cerr := e.tracker.Charge(ctx, cost); cerr != nil {
		return nil, fmt.Errorf("enrich: recording spend: %w", cerr)
	}

	verdicts, err := parseVerdicts(resp.Text, len(batch))
	if err != nil {
		e.logger.Error(ctx, err, "enrichment response rejected", "batch_size", len(batch))
		return failBatch(batch, err), nil
	}

	results := make([]Result, len(batch))
	for i, it := range batch {
		it.Enrichment = verdicts[i]
		results[i] = Result{Item: it, Status: StatusEnriched}
	}
	return results, nil
}

func (e *Engine) complete(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		if attempt > 0 {
			e.sleep(time.Duration(1<<attempt) * time.Second)
		}
		resp, err := e.provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isTransient(err) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func failBatch(batch []advisory.Item, err error) []Result {
	results := make([]Result, len(batch))
	for i, it := range batch {
		results[i] = Result{Item: it, Status: StatusFailed, Err: err}
	}
	return results
}

type rawVerdict struct {
	Relevant *bool        `json:"relevant"`
	Severity *json.Number `json:"severity"`
	Summary  string       `json:"summary"`
	Tags     []string     `json:"tags"`
}

// parseVerdicts validates a provider response against the verdict schema.
// Any violation rejects the whole response: a count mismatch leaves no safe
// way to align verdicts with items.
func parseVerdicts(text string, want int) ([]*advisory.Enrichment, error) {
	text = stripFences(text)

	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var raw []rawVerdict
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("response is not a JSON array: %w", err)
	}
	if len(raw) != want {
		return nil, fmt.Errorf("response has %d verdicts, want %d", len(raw), want)
	}

	out := make([]*advisory.Enrichment, len(raw))
	for i, v := range raw {
		if v.Relevant == nil {
			return nil, fmt.Errorf("verdict %d: missing relevant field", i+1)
		}
		enr := &advisory.Enrichment{
			Relevant: *v.Relevant,
			Summary:  v.Summary,
			Tags:     v.Tags,
		}
		enr.Summary = truncateText(enr.Summary, maxSummaryChars)
		if enr.Relevant {
			if v.Severity == nil {
				return nil, fmt.Errorf("verdict %d: relevant but severity missing", i+1)
			}
			sev, err := v.Severity.Int64()
			if err != nil {
				return nil, fmt.Errorf("verdict %d: severity is not an integer: %w", i+1, err)
			}
			if sev < 1 || sev > 10 {
				return nil, fmt.Errorf("verdict %d: severity %d out of range", i+1, sev)
			}
			enr.Severity = int(sev)
		}
		out[i] = enr
	}
	return out, nil
}

// truncateText cuts s to at most max bytes without splitting a UTF-8
// sequence.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// stripFences removes a single markdown code fence wrapping the payload.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
