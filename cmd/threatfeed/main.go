// Threatfeed is an autonomous security-advisory collection and triage agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/threatfeed/internal/agent"
	"github.com/linnemanlabs/threatfeed/internal/budget"
	tc "github.com/linnemanlabs/threatfeed/internal/cfg"
	"github.com/linnemanlabs/threatfeed/internal/collect"
	"github.com/linnemanlabs/threatfeed/internal/dedup"
	"github.com/linnemanlabs/threatfeed/internal/deepdive"
	"github.com/linnemanlabs/threatfeed/internal/enrich"
	"github.com/linnemanlabs/threatfeed/internal/fetch"
	"github.com/linnemanlabs/threatfeed/internal/llm/claude"
	"github.com/linnemanlabs/threatfeed/internal/notify"
	"github.com/linnemanlabs/threatfeed/internal/notify/email"
	"github.com/linnemanlabs/threatfeed/internal/notify/slack"
	"github.com/linnemanlabs/threatfeed/internal/route"
	"github.com/linnemanlabs/threatfeed/internal/state"
	"github.com/linnemanlabs/threatfeed/internal/state/pgstore"
	"github.com/linnemanlabs/threatfeed/internal/state/sqlitestore"
	"github.com/linnemanlabs/threatfeed/internal/statusapi"
)

const appName = "threatfeed"
const component = "agent"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    tc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix THREATFEED_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "THREATFEED_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	// credentials and webhook URLs are deliberately absent here
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"claude_model", appCfg.ClaudeModel,
		"daily_cost_limit_usd", appCfg.DailyCostLimitUSD,
		"severity_threshold", appCfg.SeverityThreshold,
		"deep_dive_min_severity", appCfg.DeepDiveMinSeverity,
		"poll_interval_minutes", appCfg.PollIntervalMinutes,
		"spike_threshold", appCfg.SpikeThreshold,
		"slack_enabled", appCfg.SlackWebhookURL != "",
		"email_enabled", appCfg.SMTPHost != "",
		"nvd_key_set", appCfg.NVDAPIKey != "",
		"run_once", appCfg.RunOnce,
	)

	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Persistent state: Postgres when configured, local SQLite otherwise.
	var store state.Store
	if appCfg.DatabaseURL != "" {
		pgStore, err := pgstore.New(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		sqlStore, err := sqlitestore.Open(appCfg.StatePath)
		if err != nil {
			return fmt.Errorf("sqlite store init: %w", err)
		}
		store = sqlStore
		L.Info(ctx, "using sqlite store", "path", appCfg.StatePath)
	}
	defer func() { _ = store.Close() }()

	tracker, err := budget.New(store, appCfg.DailyCostLimitUSD)
	if err != nil {
		return fmt.Errorf("budget tracker: %w", err)
	}

	provider := claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)

	fetcher := fetch.NewClient()

	collectors := []collect.Collector{
		collect.NewRSS(collect.DefaultFeeds, fetcher),
		collect.NewNVD(appCfg.NVDAPIKey),
		collect.NewKEV(appCfg.CacheDir, fetcher, L),
	}

	engine := enrich.NewEngine(provider, tracker, L,
		enrich.WithBatchSize(appCfg.EnrichBatchSize))

	router, err := route.New(appCfg.SeverityThreshold, appCfg.DeepDiveMinSeverity,
		appCfg.DeepDiveMaxPerCycle, L)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	analyzer := deepdive.New(provider, tracker, fetcher, L)

	var notifiers []notify.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, slack.New(appCfg.SlackWebhookURL))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if appCfg.SMTPHost != "" {
		notifiers = append(notifiers, email.New(email.Config{
			Host:     appCfg.SMTPHost,
			Port:     appCfg.SMTPPort,
			Username: appCfg.SMTPUsername,
			Password: appCfg.SMTPPassword,
			From:     appCfg.EmailFrom,
			To:       appCfg.EmailRecipients(),
		}))
		L.Info(ctx, "notifier enabled", "type", "email", "recipients", len(appCfg.EmailRecipients()))
	}
	if len(notifiers) == 0 {
		L.Warn(ctx, "no notification channels configured, decisions will only be logged")
	}

	agentMetrics := agent.NewMetrics(m.Registry())
	tracker.WithSpendCounter(agentMetrics.SpendUSD)

	ag := agent.New(collectors, dedup.New(store, L), engine, router, analyzer,
		notifiers, tracker, L, agentMetrics, agent.Options{
			PollInterval:   time.Duration(appCfg.PollIntervalMinutes) * time.Minute,
			SpikeInterval:  time.Duration(appCfg.SpikePollIntervalMinutes) * time.Minute,
			SpikeThreshold: appCfg.SpikeThreshold,
			CycleTimeout:   time.Duration(appCfg.CycleTimeoutSeconds) * time.Second,
			SeenRetention:  time.Duration(appCfg.SeenRetentionDays) * 24 * time.Hour,
		})

	if appCfg.RunOnce {
		stats, err := ag.RunCycle(ctx)
		if err != nil {
			return fmt.Errorf("cycle: %w", err)
		}
		L.Info(ctx, "single cycle complete",
			"collected", stats.Collected,
			"notified", stats.Notified,
			"deep_dives", stats.DeepDives)
		return nil
	}

	var shutdownGate health.ShutdownGate
	readiness := health.All(shutdownGate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(1024 * 16)) // read-only API, requests are tiny

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	statusAPI := statusapi.New(L, ag)
	statusAPI.RegisterRoutes(r)

	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

	httpOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, httpOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start status api listener")
		return err
	}
	defer func() {
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop status api listener")
		}
	}()

	// Polling loop runs until the signal context is canceled.
	agentDone := make(chan error, 1)
	go func() { agentDone <- ag.Run(ctx) }()

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")

	shutdownGate.Set("draining")

	// The agent observes ctx cancellation between stages; give the current
	// cycle a bounded window to wind down.
	select {
	case <-agentDone:
		L.Info(context.Background(), "agent loop stopped")
	case <-time.After(15 * time.Second):
		L.Warn(context.Background(), "agent loop did not stop in time")
	}

	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"status api http server", apiHTTPStop},
		{"ops http server", opsHTTPStop},
	}
	if shutdownOtelx != nil {
		stopFns = append(stopFns, stopFn{"otel", shutdownOtelx})
	}

	shutdownBudget := 30 * time.Second
	perComponent := shutdownBudget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	if stopProf != nil {
		stopProf()
	}

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when started with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
