package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatfeed/internal/advisory"
	"github.com/linnemanlabs/threatfeed/internal/budget"
	"github.com/linnemanlabs/threatfeed/internal/collect"
	"github.com/linnemanlabs/threatfeed/internal/dedup"
	"github.com/linnemanlabs/threatfeed/internal/enrich"
	"github.com/linnemanlabs/threatfeed/internal/notify"
	"github.com/linnemanlabs/threatfeed/internal/route"
	"github.com/linnemanlabs/threatfeed/internal/state/memstore"
)

type stubCollector struct {
	name  string
	items []advisory.RawItem
	err   error
}

func (c *stubCollector) Name() string { return c.name }
func (c *stubCollector) Collect(context.Context) ([]advisory.RawItem, error) {
	return c.items, c.err
}

// scriptedProvider answers enrichment calls with one verdict per prompt
// item, severity looked up by title. Unknown titles come back irrelevant.
type scriptedProvider struct {
	severities map[string]int
	calls      int
}

func (p *scriptedProvider) Complete(_ context.Context, req *enrich.Request) (*enrich.Response, error) {
	p.calls++

	var verdicts []string
	for _, line := range strings.Split(req.Prompt, "\n") {
		title, ok := strings.CutPrefix(line, "Title: ")
		if !ok {
			continue
		}
		sev, ok := p.severities[title]
		if !ok {
			verdicts = append(verdicts, `{"relevant": false, "severity": null, "summary": "", "tags": []}`)
			continue
		}
		verdicts = append(verdicts, fmt.Sprintf(
			`{"relevant": true, "severity": %d, "summary": "about %s", "tags": ["test"]}`, sev, title))
	}
	return &enrich.Response{
		Text:         "[" + strings.Join(verdicts, ",") + "]",
		InputTokens:  500,
		OutputTokens: 100,
	}, nil
}

type captureNotifier struct {
	name    string
	batches [][]advisory.Item
	alerts  []advisory.Item
	err     error
}

func (n *captureNotifier) Name() string { return n.name }
func (n *captureNotifier) Notify(_ context.Context, items []advisory.Item) error {
	n.batches = append(n.batches, items)
	return n.err
}
func (n *captureNotifier) Alert(_ context.Context, item advisory.Item) error {
	n.alerts = append(n.alerts, item)
	return n.err
}

type stubDeepDiver struct{ calls int }

func (d *stubDeepDiver) Analyze(_ context.Context, items []advisory.Item) []advisory.Item {
	d.calls++
	out := make([]advisory.Item, len(items))
	for i, it := range items {
		it.DeepDive = &advisory.DeepDive{Summary: "deep analysis of " + it.Title}
		out[i] = it
	}
	return out
}

func rawItem(source, title string) advisory.RawItem {
	return advisory.RawItem{
		Source: source,
		Title:  title,
		URL:    "https://example.com/" + strings.ReplaceAll(strings.ToLower(title), " ", "-"),
	}
}

type fixture struct {
	agent    *Agent
	provider *scriptedProvider
	notifier *captureNotifier
	diver    *stubDeepDiver
	store    *memstore.Store
}

func newFixture(t *testing.T, collectors []collect.Collector, severities map[string]int, opts Options) *fixture {
	t.Helper()

	store := memstore.New()
	tracker, err := budget.New(store, 10)
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	provider := &scriptedProvider{severities: severities}
	engine := enrich.NewEngine(provider, tracker, log.Nop(),
		enrich.WithSleeper(func(time.Duration) {}))
	router, err := route.New(6, 8, 3, log.Nop())
	if err != nil {
		t.Fatalf("route.New: %v", err)
	}
	notifier := &captureNotifier{name: "capture"}
	diver := &stubDeepDiver{}

	agent := New(collectors, dedup.New(store, log.Nop()), engine, router, diver,
		[]notify.Notifier{notifier}, tracker, log.Nop(), nil, opts)
	return &fixture{agent: agent, provider: provider, notifier: notifier, diver: diver, store: store}
}

func TestRunCyclePipeline(t *testing.T) {
	t.Parallel()

	collectors := []collect.Collector{
		&stubCollector{name: "FeedA", items: []advisory.RawItem{
			rawItem("FeedA", "Critical zero-day"),
			rawItem("FeedA", "Minor patch notes"),
		}},
		&stubCollector{name: "FeedB", items: []advisory.RawItem{
			rawItem("FeedB", "Ransomware campaign"),
			rawItem("FeedB", "Conference announcement"),
		}},
		&stubCollector{name: "Broken", err: errors.New("connection refused")},
	}
	severities := map[string]int{
		"Critical zero-day":   9,
		"Ransomware campaign": 7,
		"Minor patch notes":   2,
		// "Conference announcement" stays irrelevant
	}
	f := newFixture(t, collectors, severities, Options{})

	stats, err := f.agent.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if stats.Collected != 4 {
		t.Errorf("collected = %d, want 4", stats.Collected)
	}
	if len(stats.SourceErrors) != 1 || !strings.Contains(stats.SourceErrors[0], "Broken") {
		t.Errorf("source errors = %v, want one from Broken", stats.SourceErrors)
	}
	if stats.Enriched != 4 {
		t.Errorf("enriched = %d, want 4", stats.Enriched)
	}
	if stats.Notified != 2 {
		t.Errorf("notified = %d, want 2 (severity 9 and 7)", stats.Notified)
	}
	if stats.DeepDives != 1 {
		t.Errorf("deep dives = %d, want 1 (only severity 9)", stats.DeepDives)
	}

	if len(f.notifier.batches) != 1 {
		t.Fatalf("notifier got %d batches, want 1", len(f.notifier.batches))
	}
	batch := f.notifier.batches[0]
	if batch[0].Title != "Critical zero-day" || batch[0].Severity() != 9 {
		t.Errorf("batch[0] = %q sev %d, want the severity-9 item first", batch[0].Title, batch[0].Severity())
	}
	if batch[0].DeepDive == nil {
		t.Error("escalated item should carry its deep dive into notification")
	}
	if batch[1].DeepDive != nil {
		t.Error("non-escalated item must not carry a deep dive")
	}
}

func TestRunCycleSecondPassAllDuplicates(t *testing.T) {
	t.Parallel()

	collectors := []collect.Collector{
		&stubCollector{name: "FeedA", items: []advisory.RawItem{
			rawItem("FeedA", "Critical zero-day"),
		}},
	}
	f := newFixture(t, collectors, map[string]int{"Critical zero-day": 9}, Options{})

	ctx := context.Background()
	if _, err := f.agent.RunCycle(ctx); err != nil {
		t.Fatalf("first RunCycle: %v", err)
	}
	stats, err := f.agent.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}

	if stats.Duplicates != 1 || stats.Notified != 0 {
		t.Errorf("second cycle duplicates = %d notified = %d, want 1 and 0", stats.Duplicates, stats.Notified)
	}
	if f.provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 (duplicates never re-enriched)", f.provider.calls)
	}
	if len(f.notifier.batches) != 1 {
		t.Errorf("notifier batches = %d, want 1 (empty cycle sends nothing)", len(f.notifier.batches))
	}
}

func TestRunCycleSendsPerItemAlerts(t *testing.T) {
	t.Parallel()

	collectors := []collect.Collector{
		&stubCollector{name: "FeedA", items: []advisory.RawItem{
			rawItem("FeedA", "Critical zero-day"),
			rawItem("FeedA", "Ransomware campaign"),
		}},
	}
	f := newFixture(t, collectors, map[string]int{
		"Critical zero-day":   9,
		"Ransomware campaign": 7,
	}, Options{})

	if _, err := f.agent.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(f.notifier.alerts) != 2 {
		t.Fatalf("got %d alerts, want one per notified item", len(f.notifier.alerts))
	}
	if f.notifier.alerts[0].Severity() != 9 || f.notifier.alerts[1].Severity() != 7 {
		t.Errorf("alerts out of severity order: %d then %d",
			f.notifier.alerts[0].Severity(), f.notifier.alerts[1].Severity())
	}
	if f.notifier.alerts[0].DeepDive == nil {
		t.Error("escalated item's alert should carry its deep dive")
	}
	if len(f.notifier.batches) != 1 {
		t.Errorf("digest batches = %d, want 1 alongside the alerts", len(f.notifier.batches))
	}
}

func TestRunCycleAppliesCycleTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []collect.Collector{&hangingCollector{}}, nil,
		Options{CycleTimeout: 100 * time.Millisecond})

	start := time.Now()
	stats, err := f.agent.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cycle ran %v, deadline not applied", elapsed)
	}
	if len(stats.SourceErrors) != 1 || !strings.Contains(stats.SourceErrors[0], "deadline") {
		t.Errorf("source errors = %v, want a deadline error from the hung collector", stats.SourceErrors)
	}
}

type hangingCollector struct{}

func (hangingCollector) Name() string { return "Hanging" }
func (hangingCollector) Collect(ctx context.Context) ([]advisory.RawItem, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunCyclePrunesExpiredSeenRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []collect.Collector{
		&stubCollector{name: "FeedA", items: []advisory.RawItem{rawItem("FeedA", "Critical zero-day")}},
	}, map[string]int{"Critical zero-day": 9}, Options{SeenRetention: 24 * time.Hour})

	ctx := context.Background()
	if err := f.store.MarkSeen(ctx, "stale-fingerprint", time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}

	if _, err := f.agent.RunCycle(ctx); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if seen, _ := f.store.Has(ctx, "stale-fingerprint"); seen {
		t.Error("record older than the retention window should be pruned")
	}
	if f.store.SeenCount() != 1 {
		t.Errorf("seen count = %d, want 1 (this cycle's own item survives)", f.store.SeenCount())
	}
}

func TestRunCycleNotifierFailureDegrades(t *testing.T) {
	t.Parallel()

	collectors := []collect.Collector{
		&stubCollector{name: "FeedA", items: []advisory.RawItem{rawItem("FeedA", "Critical zero-day")}},
	}
	f := newFixture(t, collectors, map[string]int{"Critical zero-day": 9}, Options{})
	f.notifier.err = errors.New("webhook down")

	stats, err := f.agent.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle must not fail on notifier error: %v", err)
	}
	if stats.Err != "" {
		t.Errorf("stats.Err = %q, want empty", stats.Err)
	}
}

func TestRunCycleRecordsLastCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []collect.Collector{
		&stubCollector{name: "FeedA", items: []advisory.RawItem{rawItem("FeedA", "Critical zero-day")}},
	}, map[string]int{"Critical zero-day": 9}, Options{})

	if f.agent.LastCycle() != nil {
		t.Fatal("LastCycle before any cycle should be nil")
	}
	stats, err := f.agent.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	last := f.agent.LastCycle()
	if last == nil || last.ID != stats.ID {
		t.Error("LastCycle should return the completed cycle's stats")
	}
}

func TestSpikeModeSwitching(t *testing.T) {
	t.Parallel()

	items := make([]advisory.RawItem, 3)
	severities := map[string]int{}
	for i := range items {
		title := fmt.Sprintf("Exploited flaw %d", i)
		items[i] = rawItem("FeedA", title)
		severities[title] = 8
	}
	opts := Options{
		PollInterval:   30 * time.Minute,
		SpikeInterval:  10 * time.Minute,
		SpikeThreshold: 2,
	}
	f := newFixture(t, []collect.Collector{&stubCollector{name: "FeedA", items: items}}, severities, opts)

	ctx := context.Background()
	stats, err := f.agent.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Notified < opts.SpikeThreshold {
		t.Fatalf("notified = %d, need >= %d for this test", stats.Notified, opts.SpikeThreshold)
	}
	if !f.agent.spikeActive() {
		t.Error("agent should be in spike mode after a busy cycle")
	}
	if got := f.agent.interval(); got != opts.SpikeInterval {
		t.Errorf("interval = %v, want spike interval %v", got, opts.SpikeInterval)
	}

	// A quiet cycle (all duplicates) drops back to the normal interval.
	if _, err := f.agent.RunCycle(ctx); err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if f.agent.spikeActive() {
		t.Error("agent should leave spike mode after a quiet cycle")
	}
	if got := f.agent.interval(); got != opts.PollInterval {
		t.Errorf("interval = %v, want poll interval %v", got, opts.PollInterval)
	}
}

func TestRunCycleStoreFailureAborts(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	tracker, err := budget.New(store, 10)
	if err != nil {
		t.Fatalf("budget.New: %v", err)
	}
	provider := &scriptedProvider{}
	engine := enrich.NewEngine(provider, tracker, log.Nop(),
		enrich.WithSleeper(func(time.Duration) {}))
	router, err := route.New(6, 8, 3, log.Nop())
	if err != nil {
		t.Fatalf("route.New: %v", err)
	}

	agent := New(
		[]collect.Collector{&stubCollector{name: "FeedA", items: []advisory.RawItem{rawItem("FeedA", "x")}}},
		dedup.New(failingSeenStore{}, log.Nop()),
		engine, router, nil, nil, tracker, log.Nop(), nil, Options{})

	stats, err := agent.RunCycle(context.Background())
	if err == nil {
		t.Fatal("expected cycle abort on store failure")
	}
	if stats.Err == "" {
		t.Error("stats should record the abort")
	}
	if provider.calls != 0 {
		t.Error("no enrichment calls after a dedup abort")
	}
}

type failingSeenStore struct{}

func (failingSeenStore) Has(context.Context, string) (bool, error) {
	return false, errors.New("disk gone")
}
func (failingSeenStore) MarkSeen(context.Context, string, time.Time) error {
	return errors.New("disk gone")
}
