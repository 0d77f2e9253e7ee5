package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// allowAll bypasses the DNS-based gate so tests can hit httptest loopback
// servers.
func allowAll(context.Context, string) error { return nil }

func noSleep(context.Context, time.Duration) error { return nil }

func TestCheckURL_RejectsUnsafeSchemes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, raw := range []string{
		"http://example.com/feed",
		"ftp://example.com/file",
		"javascript:alert(1)",
		"file:///etc/passwd",
	} {
		if err := CheckURL(ctx, raw); err == nil {
			t.Errorf("CheckURL(%q) = nil, want error", raw)
		}
	}
}

func TestCheckURL_RejectsNonPublicHosts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, raw := range []string{
		"https://127.0.0.1/admin",
		"https://localhost/admin",
		"https://10.0.0.8/internal",
		"https://192.168.1.1/router",
		"https://169.254.169.254/latest/meta-data/",
		"https://[::1]/admin",
	} {
		if err := CheckURL(ctx, raw); err == nil {
			t.Errorf("CheckURL(%q) = nil, want SSRF rejection", raw)
		}
	}
}

func TestGet_OK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c := NewClient(WithURLCheck(allowAll), WithSleeper(noSleep))
	out := c.Get(context.Background(), srv.URL)

	if out.Class != OK {
		t.Fatalf("class = %v (%v), want OK", out.Class, out.Err)
	}
	if string(out.Body) != "payload" {
		t.Errorf("body = %q, want payload", out.Body)
	}
}

func TestGet_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	c := NewClient(WithURLCheck(allowAll), WithSleeper(noSleep))
	out := c.Get(context.Background(), srv.URL)

	if out.Class != OK {
		t.Fatalf("class = %v, want OK after retries", out.Class)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (two retries)", got)
	}
}

func TestGet_PermanentNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(WithURLCheck(allowAll), WithSleeper(noSleep))
	out := c.Get(context.Background(), srv.URL)

	if out.Class != Permanent {
		t.Fatalf("class = %v, want Permanent", out.Class)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not be retried)", got)
	}
}

func TestGet_RedirectTargetRevalidated(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://169.254.169.254/latest/meta-data/", http.StatusFound)
	}))
	defer srv.Close()

	// first hop allowed, redirect target goes through the real gate
	gate := func(ctx context.Context, raw string) error {
		if raw == srv.URL {
			return nil
		}
		return CheckURL(ctx, raw)
	}

	c := NewClient(WithURLCheck(gate), WithSleeper(noSleep))
	out := c.Get(context.Background(), srv.URL)

	if out.Class != Blocked {
		t.Fatalf("class = %v, want Blocked for redirect into link-local range", out.Class)
	}
}

func TestGet_BodyCapped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	c := NewClient(WithURLCheck(allowAll), WithSleeper(noSleep), WithMaxBodyBytes(100))
	out := c.Get(context.Background(), srv.URL)

	if out.Class != OK {
		t.Fatalf("class = %v, want OK", out.Class)
	}
	if len(out.Body) != 100 {
		t.Errorf("body length = %d, want capped at 100", len(out.Body))
	}
}

func TestHostLimiter_CapsConcurrency(t *testing.T) {
	t.Parallel()

	l := newHostLimiter(2)

	var mu sync.Mutex
	var active, peak int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := l.acquire("example.com")
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if peak > 2 {
		t.Errorf("peak concurrent = %d, want <= 2", peak)
	}
}
