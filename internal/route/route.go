// Package route turns enrichment results into notification and escalation
// decisions based on severity thresholds.
package route

import (
	"context"
	"fmt"
	"sort"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/threatfeed/internal/advisory"
	"github.com/linnemanlabs/threatfeed/internal/enrich"
)

// Decision is the routed output of one cycle's enrichment results.
type Decision struct {
	// Notify holds items at or above the notify threshold, sorted by
	// severity descending.
	Notify []advisory.Item

	// Escalate holds the subset of Notify selected for deep-dive analysis,
	// highest severity first.
	Escalate []advisory.Item

	// Dropped counts items excluded from notification: irrelevant, below
	// threshold, enrichment-failed, or budget-skipped.
	Dropped int
}

// Router applies the severity thresholds.
type Router struct {
	notifyThreshold   int
	deepDiveThreshold int
	deepDiveMax       int
	logger            log.Logger
}

// New validates thresholds and builds a Router. Thresholds must be on the
// 1-10 severity scale and the deep-dive threshold may not be below the
// notify threshold.
func New(notifyThreshold, deepDiveThreshold, deepDiveMax int, logger log.Logger) (*Router, error) {
	if notifyThreshold < 1 || notifyThreshold > 10 {
		return nil, fmt.Errorf("notify threshold must be 1-10, got %d", notifyThreshold)
	}
	if deepDiveThreshold < 1 || deepDiveThreshold > 10 {
		return nil, fmt.Errorf("deep-dive threshold must be 1-10, got %d", deepDiveThreshold)
	}
	if deepDiveThreshold < notifyThreshold {
		return nil, fmt.Errorf("deep-dive threshold %d below notify threshold %d",
			deepDiveThreshold, notifyThreshold)
	}
	if deepDiveMax < 0 {
		return nil, fmt.Errorf("deep-dive max per cycle must be non-negative, got %d", deepDiveMax)
	}
	return &Router{
		notifyThreshold:   notifyThreshold,
		deepDiveThreshold: deepDiveThreshold,
		deepDiveMax:       deepDiveMax,
		logger:            logger.With("component", "route"),
	}, nil
}

// Route partitions enrichment results into the cycle's decision. Items
// without a valid enrichment never pass the threshold: a failed score is
// treated as unscored, not as any default severity.
func (r *Router) Route(ctx context.Context, results []enrich.Result) Decision {
	var d Decision
	for _, res := range results {
		if res.Status != enrich.StatusEnriched {
			d.Dropped++
			continue
		}
		it := res.Item
		if !it.Enrichment.Relevant || it.Severity() < r.notifyThreshold {
			d.Dropped++
			continue
		}
		d.Notify = append(d.Notify, it)
	}

	sort.SliceStable(d.Notify, func(i, j int) bool {
		return d.Notify[i].Severity() > d.Notify[j].Severity()
	})

	for _, it := range d.Notify {
		if len(d.Escalate) >= r.deepDiveMax {
			break
		}
		if it.Severity() >= r.deepDiveThreshold {
			d.Escalate = append(d.Escalate, it)
		}
	}

	r.logger.Info(ctx, "routed cycle results",
		"notify", len(d.Notify),
		"escalate", len(d.Escalate),
		"dropped", d.Dropped)
	return d
}
