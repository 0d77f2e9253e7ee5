package collect

import (
	"context"
	"errors"
	"testing"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/threatfeed/internal/advisory"
)

type stubCollector struct {
	name  string
	items []advisory.RawItem
	err   error
	panic bool
}

func (s *stubCollector) Name() string { return s.name }

func (s *stubCollector) Collect(context.Context) ([]advisory.RawItem, error) {
	if s.panic {
		panic("collector blew up")
	}
	return s.items, s.err
}

func TestGather_IsolatesFailures(t *testing.T) {
	t.Parallel()

	collectors := []Collector{
		&stubCollector{name: "good", items: []advisory.RawItem{
			{Source: "good", Title: "a", URL: "https://e.com/a"},
			{Source: "good", Title: "b", URL: "https://e.com/b"},
		}},
		&stubCollector{name: "broken", err: errors.New("rate limited")},
		&stubCollector{name: "panicky", panic: true},
	}

	items, errs := Gather(context.Background(), collectors, log.Nop())

	if len(items) != 2 {
		t.Errorf("items = %d, want 2 from the healthy collector", len(items))
	}
	if len(errs) != 2 {
		t.Fatalf("errs = %d, want 2", len(errs))
	}

	sources := map[string]bool{}
	for _, e := range errs {
		sources[e.Source] = true
	}
	if !sources["broken"] || !sources["panicky"] {
		t.Errorf("recorded error sources = %v, want broken and panicky", sources)
	}
}

func TestGather_AllHealthy(t *testing.T) {
	t.Parallel()

	collectors := []Collector{
		&stubCollector{name: "a", items: []advisory.RawItem{{Source: "a", Title: "1", URL: "https://e.com/1"}}},
		&stubCollector{name: "b", items: []advisory.RawItem{{Source: "b", Title: "2", URL: "https://e.com/2"}}},
	}

	items, errs := Gather(context.Background(), collectors, log.Nop())
	if len(errs) != 0 {
		t.Fatalf("errs = %v, want none", errs)
	}
	if len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
}
