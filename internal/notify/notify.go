// Package notify defines the delivery interface for routed advisories and
// shared severity presentation helpers.
package notify

import (
	"context"

	"github.com/linnemanlabs/threatfeed/internal/advisory"
)

// Notifier delivers one cycle's batch of advisories to a channel.
type Notifier interface {
	// Name identifies the channel in logs.
	Name() string

	// Notify delivers the batch. Items arrive sorted by severity descending.
	// An empty batch must be a no-op.
	Notify(ctx context.Context, items []advisory.Item) error
}

// Alerter is implemented by channels that deliver an immediate per-item
// alert ahead of the cycle digest. One alert failing must not prevent
// delivery of the remaining items.
type Alerter interface {
	Alert(ctx context.Context, item advisory.Item) error
}

// SeverityLabel maps a 1-10 severity onto the presentation tier.
func SeverityLabel(severity int) string {
	switch {
	case severity >= 9:
		return "CRITICAL"
	case severity >= 7:
		return "HIGH"
	case severity >= 5:
		return "MEDIUM"
	default:
		return "LOW"
	}
}
