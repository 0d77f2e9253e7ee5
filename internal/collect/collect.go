// Package collect gathers raw advisory items from the configured external
// sources. Each collector runs in its own failure domain: a broken feed or
// unreachable API surfaces as a recorded error, never as an aborted cycle.
package collect

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/threatfeed/internal/advisory"
)

// Collector produces a finite batch of normalized items for one cycle, or
// fails. Implementations must respect ctx cancellation and bound their own
// network timeouts.
type Collector interface {
	Name() string
	Collect(ctx context.Context) ([]advisory.RawItem, error)
}

// SourceError records one collector's failure for cycle statistics.
type SourceError struct {
	Source string
	Err    error
}

func (e SourceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Source, e.Err)
}

// Gather fans the collectors out concurrently and joins their results.
// Failed collectors contribute an empty result and an entry in errs; a panic
// inside a collector is caught at the boundary like any other failure.
func Gather(ctx context.Context, collectors []Collector, logger log.Logger) (items []advisory.RawItem, errs []SourceError) {
	type result struct {
		source string
		items  []advisory.RawItem
		err    error
	}

	results := make(chan result, len(collectors))
	var wg sync.WaitGroup

	for _, c := range collectors {
		wg.Add(1)
		go func(c Collector) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- result{source: c.Name(), err: fmt.Errorf("panic: %v", r)}
				}
			}()
			batch, err := c.Collect(ctx)
			results <- result{source: c.Name(), items: batch, err: err}
		}(c)
	}

	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			logger.Warn(ctx, "collector failed", "source", r.source, "error", r.err)
			errs = append(errs, SourceError{Source: r.source, Err: r.err})
			continue
		}
		logger.Info(ctx, "collector done", "source", r.source, "items", len(r.items))
		items = append(items, r.items...)
	}
	return items, errs
}
