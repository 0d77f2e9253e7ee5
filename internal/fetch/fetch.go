// Package fetch is the shared pre-fetch gate for every component that
// dereferences a URL taken from source data. Such URLs are untrusted input:
// the gate enforces an https-only scheme allowlist, rejects hosts that
// resolve to private, loopback, link-local, or carrier-grade NAT ranges, and
// follows redirects manually so every hop is re-validated. Transient
// failures are retried with a capped backoff; all outcomes are returned as
// tagged data rather than bare errors so callers can branch on retry/skip
// policy explicitly.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

const (
	defaultTimeout     = 20 * time.Second
	defaultMaxBody     = 5 * 1024 * 1024 // 5 MB
	defaultMaxRedirect = 5
	defaultPerHost     = 2

	maxRetries     = 2
	baseRetryDelay = 2 * time.Second
)

// Generic browser UA; avoids fingerprinting the agent by name.
const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Class tags the outcome of a fetch.
type Class int

const (
	// OK means a 2xx response with a body.
	OK Class = iota
	// Transient covers timeouts, 408/429, and 5xx; retried, then surfaced.
	Transient
	// Permanent covers other 4xx and malformed responses; never retried.
	Permanent
	// Blocked means the URL failed the safety gate; never fetched at all.
	Blocked
)

func (c Class) String() string {
	switch c {
	case OK:
		return "ok"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Blocked:
		return "blocked"
	}
	return "unknown"
}

// Outcome is the tagged result of one fetch, after retries.
type Outcome struct {
	Class      Class
	StatusCode int
	Body       []byte
	Err        error
}

// cgnat is 100.64.0.0/10; netip.Addr has no predicate for it.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// CheckURL validates that a source-supplied URL is safe to dereference:
// https scheme and a hostname resolving only to public addresses.
func CheckURL(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("unparseable url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", host, err)
	}
	for _, addr := range addrs {
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
			addr.IsLinkLocalMulticast() || addr.IsUnspecified() || cgnat.Contains(addr) {
			return fmt.Errorf("host %q resolves to non-public address", host)
		}
	}
	return nil
}

// Client performs gated fetches with per-host concurrency limits.
type Client struct {
	httpClient  *http.Client
	maxBody     int64
	maxRedirect int
	perHost     int

	hosts   *hostLimiter
	sleep   func(context.Context, time.Duration) error
	checkFn func(context.Context, string) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client. The client's redirect
// policy is still forced to manual.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxBodyBytes overrides the response body cap.
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) { c.maxBody = n }
}

// WithURLCheck overrides the safety gate. Test hook.
func WithURLCheck(fn func(context.Context, string) error) Option {
	return func(c *Client) { c.checkFn = fn }
}

// WithSleeper overrides how retry waits are performed. Test hook.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// NewClient constructs a gated fetch client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxBody:     defaultMaxBody,
		maxRedirect: defaultMaxRedirect,
		perHost:     defaultPerHost,
		hosts:       newHostLimiter(defaultPerHost),
		sleep:       sleepCtx,
		checkFn:     CheckURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	// redirects are validated hop by hop in Get
	c.httpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return c
}

// Get fetches rawURL through the safety gate, following up to maxRedirect
// validated redirects and retrying transient failures. The returned Outcome
// is always non-nil in the sense that its Class is meaningful; Err carries
// detail for non-OK classes.
func (c *Client) Get(ctx context.Context, rawURL string) Outcome {
	var out Outcome
	for attempt := 0; ; attempt++ {
		out = c.getOnce(ctx, rawURL)
		if out.Class != Transient || attempt >= maxRetries {
			return out
		}
		// 2s, 4s
		delay := baseRetryDelay << attempt
		if err := c.sleep(ctx, delay); err != nil {
			out.Err = err
			return out
		}
	}
}

func (c *Client) getOnce(ctx context.Context, rawURL string) Outcome {
	current := rawURL
	for hop := 0; hop <= c.maxRedirect; hop++ {
		if err := c.checkFn(ctx, current); err != nil {
			return Outcome{Class: Blocked, Err: err}
		}

		resp, err := c.do(ctx, current)
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{Class: Transient, Err: ctx.Err()}
			}
			// timeouts, refused connections, DNS blips: all worth one more try
			return Outcome{Class: Transient, Err: err}
		}

		switch {
		case resp.StatusCode >= 300 && resp.StatusCode < 400:
			loc := resp.Header.Get("Location")
			drain(resp)
			if loc == "" {
				return Outcome{Class: Permanent, StatusCode: resp.StatusCode,
					Err: fmt.Errorf("redirect without location")}
			}
			next, err := url.Parse(current)
			if err == nil {
				if ref, perr := url.Parse(loc); perr == nil {
					loc = next.ResolveReference(ref).String()
				}
			}
			current = loc
			continue

		case resp.StatusCode == http.StatusRequestTimeout,
			resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode >= 500:
			drain(resp)
			return Outcome{Class: Transient, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("http %d", resp.StatusCode)}

		case resp.StatusCode >= 400:
			drain(resp)
			return Outcome{Class: Permanent, StatusCode: resp.StatusCode,
				Err: fmt.Errorf("http %d", resp.StatusCode)}

		default:
			body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
			_ = resp.Body.Close()
			if err != nil {
				return Outcome{Class: Transient, StatusCode: resp.StatusCode,
					Err: fmt.Errorf("read body: %w", err)}
			}
			return Outcome{Class: OK, StatusCode: resp.StatusCode, Body: body}
		}
	}
	return Outcome{Class: Permanent, Err: fmt.Errorf("more than %d redirects", c.maxRedirect)}
}

func (c *Client) do(ctx context.Context, rawURL string) (*http.Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}

	release := c.hosts.acquire(u.Hostname())
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return c.httpClient.Do(req)
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
