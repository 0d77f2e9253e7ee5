// Package email delivers advisory batches as a single HTML digest over SMTP.
// All source-supplied text is HTML-escaped and only http/https links are
// rendered. SMTP credentials never appear in logs or error text.
package email

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/threatfeed/internal/advisory"
	"github.com/linnemanlabs/threatfeed/internal/notify"
)

// Config holds SMTP delivery settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Notifier sends digest emails. A zero-host config makes Notify a no-op.
type Notifier struct {
	cfg Config

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// New creates an email notifier from cfg.
func New(cfg Config) *Notifier {
	return &Notifier{cfg: cfg, send: smtp.SendMail}
}

// Name implements notify.Notifier.
func (n *Notifier) Name() string { return "email" }

// Notify sends one digest for the batch.
func (n *Notifier) Notify(ctx context.Context, items []advisory.Item) error {
	if n.cfg.Host == "" || len(items) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}

	addr := net.JoinHostPort(n.cfg.Host, fmt.Sprintf("%d", n.cfg.Port))
	msg := buildDigest(n.cfg.From, n.cfg.To, items)
	if err := n.send(addr, auth, n.cfg.From, n.cfg.To, msg); err != nil {
		return fmt.Errorf("email: send digest to %d recipients: %w", len(n.cfg.To), err)
	}
	return nil
}

func buildDigest(from string, to []string, items []advisory.Item) []byte {
	subject := fmt.Sprintf("Threat digest: %d advisories, top severity %d/10",
		len(items), items[0].Severity())

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")

	b.WriteString("<html><body>\n")
	fmt.Fprintf(&b, "<h2>Security advisory digest (%s)</h2>\n",
		time.Now().UTC().Format("2006-01-02"))
	for _, it := range items {
		writeItem(&b, it)
	}
	b.WriteString("</body></html>\r\n")
	return []byte(b.String())
}

func writeItem(b *strings.Builder, it advisory.Item) {
	sev := it.Severity()
	fmt.Fprintf(b, "<h3>[%s %d/10] %s</h3>\n",
		notify.SeverityLabel(sev), sev, html.EscapeString(it.Title))
	fmt.Fprintf(b, "<p><em>%s</em></p>\n", html.EscapeString(it.Source))

	if it.Enrichment != nil && it.Enrichment.Summary != "" {
		fmt.Fprintf(b, "<p>%s</p>\n", html.EscapeString(it.Enrichment.Summary))
	}
	if link := safeLink(it.URL); link != "" {
		fmt.Fprintf(b, "<p><a href=%q>%s</a></p>\n", link, html.EscapeString(link))
	}
	if dd := it.DeepDive; dd != nil {
		fmt.Fprintf(b, "<p><strong>Deep dive:</strong> %s</p>\n", html.EscapeString(dd.Summary))
		writeList(b, "CVEs", dd.CVEIDs)
		writeList(b, "Affected products", dd.AffectedProducts)
		writeList(b, "Indicators", dd.IOCs)
		writeList(b, "Mitigations", dd.Mitigations)
	}
	b.WriteString("<hr>\n")
}

func writeList(b *strings.Builder, label string, values []string) {
	if len(values) == 0 {
		return
	}
	fmt.Fprintf(b, "<p><strong>%s:</strong> %s</p>\n",
		label, html.EscapeString(strings.Join(values, ", ")))
}

// safeLink returns the URL if it uses an http or https scheme, else "".
// Keeps javascript: and data: URLs out of the rendered digest.
func safeLink(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}
