// Package slack delivers advisories to a Slack incoming webhook: one
// block-kit alert per item, then a digest summary for the cycle. The
// webhook URL embeds a credential, so it is never logged or echoed in
// error text.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/threatfeed/internal/advisory"
	"github.com/linnemanlabs/threatfeed/internal/notify"
)

const (
	maxSummaryLen = 2800
	maxItemBlocks = 20
	httpTimeout   = 10 * time.Second
)

// Notifier posts advisory batches to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
}

// New creates a Slack notifier. If webhookURL is empty, Notify is a no-op.
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
	}
}

// Name implements notify.Notifier.
func (n *Notifier) Name() string { return "slack" }

// Alert posts one block-kit message for a single advisory: the full item
// block, deep-dive fields when present, and a footer.
func (n *Notifier) Alert(ctx context.Context, item advisory.Item) error {
	if n.webhookURL == "" {
		return nil
	}
	return n.post(ctx, buildAlertMessage(item))
}

// Notify posts the cycle digest: a header plus one compact line per item.
// Batches larger than the line cap are truncated with a trailing note.
func (n *Notifier) Notify(ctx context.Context, items []advisory.Item) error {
	if n.webhookURL == "" || len(items) == 0 {
		return nil
	}
	return n.post(ctx, buildDigestMessage(items))
}

func (n *Notifier) post(ctx context.Context, message map[string]any) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// err may echo the URL; wrap without it
		return fmt.Errorf("slack: post webhook failed: %w", sanitize(err, n.webhookURL))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildAlertMessage(it advisory.Item) map[string]any {
	blocks := []map[string]any{itemBlock(it)}
	if it.DeepDive != nil {
		blocks = append(blocks, deepDiveBlock(it.DeepDive))
	}
	blocks = append(blocks, footer())
	return map[string]any{"blocks": blocks}
}

func buildDigestMessage(items []advisory.Item) map[string]any {
	blocks := []map[string]any{headerBlock(len(items))}

	shown := items
	if len(shown) > maxItemBlocks {
		shown = shown[:maxItemBlocks]
	}
	var lines []string
	for _, it := range shown {
		lines = append(lines, digestLine(it))
	}
	blocks = append(blocks, map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": strings.Join(lines, "\n")},
	})
	if len(items) > maxItemBlocks {
		blocks = append(blocks, contextText(fmt.Sprintf("…and %d more items", len(items)-maxItemBlocks)))
	}
	blocks = append(blocks, footer())

	return map[string]any{"blocks": blocks}
}

func digestLine(it advisory.Item) string {
	sev := it.Severity()
	return fmt.Sprintf("%s *%s [%d/10]* <%s|%s> (%s)",
		severityEmoji(sev), notify.SeverityLabel(sev), sev, it.URL, escapeText(it.Title), it.Source)
}

func footer() map[string]any {
	return contextText(fmt.Sprintf("threatfeed • %s",
		time.Now().UTC().Format("2006-01-02 15:04 UTC")))
}

func headerBlock(count int) map[string]any {
	noun := "advisories"
	if count == 1 {
		noun = "advisory"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("\U0001f6a8 %d security %s", count, noun),
		},
	}
}

func itemBlock(it advisory.Item) map[string]any {
	sev := it.Severity()
	var b strings.Builder
	fmt.Fprintf(&b, "%s *%s [%d/10]* <%s|%s>\n",
		severityEmoji(sev), notify.SeverityLabel(sev), sev, it.URL, escapeText(it.Title))
	fmt.Fprintf(&b, "_%s_", it.Source)
	if it.Enrichment != nil {
		if it.Enrichment.Summary != "" {
			fmt.Fprintf(&b, "\n%s", truncate(escapeText(it.Enrichment.Summary), maxSummaryLen))
		}
		if len(it.Enrichment.Tags) > 0 {
			fmt.Fprintf(&b, "\n`%s`", strings.Join(it.Enrichment.Tags, "` `"))
		}
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": b.String()},
	}
}

func deepDiveBlock(dd *advisory.DeepDive) map[string]any {
	var fields []map[string]any
	add := func(label string, values []string) {
		if len(values) == 0 {
			return
		}
		fields = append(fields, map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*%s:* %s", label, escapeText(strings.Join(values, ", "))),
		})
	}
	add("CVEs", dd.CVEIDs)
	add("Affected", dd.AffectedProducts)
	add("IOCs", dd.IOCs)
	add("Mitigations", dd.Mitigations)
	if dd.ThreatActor != "" {
		add("Actor", []string{dd.ThreatActor})
	}

	block := map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": fmt.Sprintf("*Deep dive*\n%s", truncate(escapeText(dd.Summary), maxSummaryLen)),
		},
	}
	if len(fields) > 0 {
		block["fields"] = fields
	}
	return block
}

func contextText(text string) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{"type": "mrkdwn", "text": text},
		},
	}
}

func severityEmoji(severity int) string {
	switch {
	case severity >= 9:
		return "\U0001f534" // red circle
	case severity >= 7:
		return "\U0001f7e0" // orange circle
	case severity >= 5:
		return "\U0001f7e1" // yellow circle
	default:
		return "\U0001f7e2" // green circle
	}
}

// escapeText neutralizes Slack mrkdwn control characters in source-supplied
// text.
func escapeText(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate cuts s to at most limit bytes without splitting a UTF-8
// sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// sanitize strips the webhook URL from transport errors before they reach
// logs.
func sanitize(err error, webhookURL string) error {
	msg := strings.ReplaceAll(err.Error(), webhookURL, "<webhook>")
	return fmt.Errorf("%s", msg)
}
