// Package agent orchestrates the collection pipeline: gather, deduplicate,
// enrich, route, deep-dive, notify. It owns the polling loop, spike-mode
// interval switching, and per-cycle statistics for the status API.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/threatfeed/internal/advisory"
	"github.com/linnemanlabs/threatfeed/internal/budget"
	"github.com/linnemanlabs/threatfeed/internal/collect"
	"github.com/linnemanlabs/threatfeed/internal/dedup"
	"github.com/linnemanlabs/threatfeed/internal/enrich"
	"github.com/linnemanlabs/threatfeed/internal/notify"
	"github.com/linnemanlabs/threatfeed/internal/route"
)

// DeepDiver runs second-pass analysis on escalated items.
type DeepDiver interface {
	Analyze(ctx context.Context, items []advisory.Item) []advisory.Item
}

// CycleStats summarizes one completed collection cycle.
type CycleStats struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	Duration      float64   `json:"duration_seconds"`
	Collected     int       `json:"collected"`
	Duplicates    int       `json:"duplicates"`
	Enriched      int       `json:"enriched"`
	EnrichFailed  int       `json:"enrich_failed"`
	BudgetSkipped int       `json:"budget_skipped"`
	Notified      int       `json:"notified"`
	DeepDives     int       `json:"deep_dives"`
	SourceErrors  []string  `json:"source_errors,omitempty"`
	Err           string    `json:"error,omitempty"`
	SpikeMode     bool      `json:"spike_mode"`
}

// Options configures the polling loop.
type Options struct {
	PollInterval  time.Duration
	SpikeInterval time.Duration

	// SpikeThreshold is the notified-item count per cycle that switches the
	// agent to the spike interval. Zero disables spike mode.
	SpikeThreshold int

	// CycleTimeout is the hard deadline for one cycle.
	CycleTimeout time.Duration

	// SeenRetention bounds how long seen fingerprints are kept; expired
	// records are pruned after each cycle. Zero keeps them forever.
	SeenRetention time.Duration
}

// Agent wires the pipeline stages together.
type Agent struct {
	collectors []collect.Collector
	filter     *dedup.Filter
	engine     *enrich.Engine
	router     *route.Router
	deepDiver  DeepDiver
	notifiers  []notify.Notifier
	tracker    *budget.Tracker
	logger     log.Logger
	metrics    *Metrics
	opts       Options

	now func() time.Time

	mu        sync.Mutex
	lastCycle *CycleStats
	spike     bool
}

// New assembles an Agent. deepDiver may be nil to disable escalation
// analysis; notifiers may be empty.
func New(
	collectors []collect.Collector,
	filter *dedup.Filter,
	engine *enrich.Engine,
	router *route.Router,
	deepDiver DeepDiver,
	notifiers []notify.Notifier,
	tracker *budget.Tracker,
	logger log.Logger,
	metrics *Metrics,
	opts Options,
) *Agent {
	return &Agent{
		collectors: collectors,
		filter:     filter,
		engine:     engine,
		router:     router,
		deepDiver:  deepDiver,
		notifiers:  notifiers,
		tracker:    tracker,
		logger:     logger.With("component", "agent"),
		metrics:    metrics,
		opts:       opts,
		now:        time.Now,
	}
}

// Run polls until ctx is canceled. The next cycle is scheduled from the
// previous cycle's start, floored so back-to-back cycles cannot starve the
// process of idle time.
func (a *Agent) Run(ctx context.Context) error {
	for {
		start := a.now()
		if _, err := a.RunCycle(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error(ctx, err, "cycle aborted")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		interval := a.interval()
		wait := interval - a.now().Sub(start)
		if floor := interval / 10; wait < floor {
			wait = floor
		}

		a.logger.Info(ctx, "cycle complete, sleeping", "next_in", wait.String(), "spike_mode", a.spikeActive())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RunCycle executes one full pipeline pass under the configured cycle
// deadline and records its statistics. A state-store failure aborts the
// cycle (dedup cannot be trusted without it); all other stage failures
// degrade.
func (a *Agent) RunCycle(ctx context.Context) (*CycleStats, error) {
	if a.opts.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.CycleTimeout)
		defer cancel()
	}

	start := a.now()
	stats := &CycleStats{
		ID:        ulid.Make().String(),
		StartedAt: start,
	}
	cycleLog := a.logger.With("cycle_id", stats.ID)
	cycleLog.Info(ctx, "cycle started", "collectors", len(a.collectors))

	defer func() {
		stats.Duration = a.now().Sub(start).Seconds()
		stats.SpikeMode = a.spikeActive()
		a.setLastCycle(stats)
		if a.metrics != nil {
			outcome := "ok"
			if stats.Err != "" {
				outcome = "error"
			}
			a.metrics.CyclesTotal.WithLabelValues(outcome).Inc()
			a.metrics.CycleDuration.Observe(stats.Duration)
		}
	}()

	raw, srcErrs := collect.Gather(ctx, a.collectors, cycleLog)
	stats.Collected = len(raw)
	for _, se := range srcErrs {
		stats.SourceErrors = append(stats.SourceErrors, se.Error())
		if a.metrics != nil {
			a.metrics.SourceErrorsTotal.WithLabelValues(se.Source).Inc()
		}
	}
	if a.metrics != nil {
		perSource := map[string]int{}
		for _, r := range raw {
			perSource[r.Source]++
		}
		for source, n := range perSource {
			a.metrics.ItemsCollected.WithLabelValues(source).Add(float64(n))
		}
	}

	fresh, duplicates, err := a.filter.Apply(ctx, raw)
	if err != nil {
		stats.Err = err.Error()
		return stats, fmt.Errorf("dedup: %w", err)
	}
	stats.Duplicates = duplicates
	if a.metrics != nil {
		a.metrics.ItemsDuplicate.Add(float64(duplicates))
	}
	cycleLog.Info(ctx, "dedup applied", "fresh", len(fresh), "duplicates", duplicates)

	results, err := a.engine.Enrich(ctx, fresh)
	if err != nil {
		stats.Err = err.Error()
		return stats, fmt.Errorf("enrich: %w", err)
	}
	for _, r := range results {
		switch r.Status {
		case enrich.StatusEnriched:
			stats.Enriched++
		case enrich.StatusFailed:
			stats.EnrichFailed++
		case enrich.StatusBudgetSkipped:
			stats.BudgetSkipped++
		}
		if a.metrics != nil {
			a.metrics.ItemsEnriched.WithLabelValues(string(r.Status)).Inc()
		}
	}

	decision := a.router.Route(ctx, results)

	if a.deepDiver != nil && len(decision.Escalate) > 0 {
		analyzed := a.deepDiver.Analyze(ctx, decision.Escalate)
		merged := map[string]advisory.Item{}
		for _, it := range analyzed {
			if it.DeepDive != nil {
				stats.DeepDives++
				merged[it.Fingerprint] = it
			}
			if a.metrics != nil {
				outcome := "ok"
				if it.DeepDive == nil {
					outcome = "degraded"
				}
				a.metrics.DeepDivesTotal.WithLabelValues(outcome).Inc()
			}
		}
		for i, it := range decision.Notify {
			if enriched, ok := merged[it.Fingerprint]; ok {
				decision.Notify[i] = enriched
			}
		}
	}

	a.deliver(ctx, cycleLog, decision.Notify)
	stats.Notified = len(decision.Notify)
	if a.metrics != nil {
		a.metrics.ItemsNotified.Add(float64(len(decision.Notify)))
	}

	a.updateSpike(ctx, cycleLog, len(decision.Notify))

	if a.opts.SeenRetention > 0 {
		cutoff := a.now().Add(-a.opts.SeenRetention)
		if pruned, err := a.filter.PruneSeen(ctx, cutoff); err != nil {
			cycleLog.Error(ctx, err, "pruning seen records")
		} else if pruned > 0 {
			cycleLog.Info(ctx, "pruned seen records", "deleted", pruned)
		}
	}

	if remaining, err := a.tracker.Remaining(ctx); err == nil {
		cycleLog.Info(ctx, "cycle finished",
			"collected", stats.Collected,
			"duplicates", stats.Duplicates,
			"enriched", stats.Enriched,
			"notified", stats.Notified,
			"deep_dives", stats.DeepDives,
			"budget_remaining_usd", remaining)
	}
	return stats, nil
}

// deliver fans the batch out to every channel. Channels that implement
// notify.Alerter get one alert per item ahead of the batch digest. One
// channel or alert failing never stops the others.
func (a *Agent) deliver(ctx context.Context, cycleLog log.Logger, items []advisory.Item) {
	if len(items) == 0 {
		return
	}
	for _, n := range a.notifiers {
		if al, ok := n.(notify.Alerter); ok {
			for _, it := range items {
				if err := al.Alert(ctx, it); err != nil {
					cycleLog.Error(ctx, err, "alert failed", "channel", n.Name(), "source", it.Source)
					if a.metrics != nil {
						a.metrics.NotifyErrorsTotal.WithLabelValues(n.Name()).Inc()
					}
				}
			}
		}
		if err := n.Notify(ctx, items); err != nil {
			cycleLog.Error(ctx, err, "notification failed", "channel", n.Name())
			if a.metrics != nil {
				a.metrics.NotifyErrorsTotal.WithLabelValues(n.Name()).Inc()
			}
		}
	}
}

func (a *Agent) updateSpike(ctx context.Context, cycleLog log.Logger, notified int) {
	if a.opts.SpikeThreshold <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	active := notified >= a.opts.SpikeThreshold
	if active != a.spike {
		if active {
			cycleLog.Warn(ctx, "entering spike mode", "notified", notified, "threshold", a.opts.SpikeThreshold)
		} else {
			cycleLog.Info(ctx, "leaving spike mode", "notified", notified)
		}
	}
	a.spike = active
	if a.metrics != nil {
		if active {
			a.metrics.SpikeMode.Set(1)
		} else {
			a.metrics.SpikeMode.Set(0)
		}
	}
}

func (a *Agent) interval() time.Duration {
	if a.spikeActive() && a.opts.SpikeInterval > 0 {
		return a.opts.SpikeInterval
	}
	return a.opts.PollInterval
}

func (a *Agent) spikeActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.spike
}

func (a *Agent) setLastCycle(stats *CycleStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastCycle = stats
}

// LastCycle returns a copy of the most recent cycle's statistics, or nil if
// no cycle has completed yet.
func (a *Agent) LastCycle() *CycleStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastCycle == nil {
		return nil
	}
	cp := *a.lastCycle
	return &cp
}

// BudgetRemaining exposes the current period's remaining budget for the
// status API.
func (a *Agent) BudgetRemaining(ctx context.Context) (float64, error) {
	return a.tracker.Remaining(ctx)
}

// BudgetCap exposes the configured period cap.
func (a *Agent) BudgetCap() float64 {
	return a.tracker.Cap()
}
