package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
)

// Config holds application-level settings for the collection agent. Platform
// concerns (logging, ops listener, tracing) register their own flag structs.
type Config struct {
	APIPort int

	// Store selection. DatabaseURL switches to Postgres; otherwise the
	// SQLite file at StatePath is used.
	DatabaseURL string
	StatePath   string

	// CacheDir holds downloaded source catalogs between cycles.
	CacheDir string

	// SeenRetentionDays bounds the seen-set size; 0 keeps records forever.
	SeenRetentionDays int

	ClaudeAPIKey string
	ClaudeModel  string

	NVDAPIKey string

	SlackWebhookURL string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
	EmailTo      string

	DailyCostLimitUSD float64

	SeverityThreshold   int
	DeepDiveMinSeverity int
	DeepDiveMaxPerCycle int

	PollIntervalMinutes      int
	SpikeThreshold           int
	SpikePollIntervalMinutes int
	CycleTimeoutSeconds      int

	EnrichBatchSize int

	RunOnce bool
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = local SQLite state)")
	fs.StringVar(&c.StatePath, "state-path", "threatfeed.db", "path to the local SQLite state file")
	fs.StringVar(&c.CacheDir, "cache-dir", ".threatfeed-cache", "directory for cached source catalogs")
	fs.IntVar(&c.SeenRetentionDays, "seen-retention-days", 90, "days to retain seen fingerprints (0 = keep forever)")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-5", "Claude model to use")
	fs.StringVar(&c.NVDAPIKey, "nvd-api-key", "", "NVD API key for higher rate limits (optional)")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.SMTPHost, "smtp-host", "", "SMTP host for email digests (empty = email disabled)")
	fs.IntVar(&c.SMTPPort, "smtp-port", 587, "SMTP port")
	fs.StringVar(&c.SMTPUsername, "smtp-username", "", "SMTP username")
	fs.StringVar(&c.SMTPPassword, "smtp-password", "", "SMTP password")
	fs.StringVar(&c.EmailFrom, "email-from", "", "From address for email digests")
	fs.StringVar(&c.EmailTo, "email-to", "", "comma-separated recipient addresses for email digests")
	fs.Float64Var(&c.DailyCostLimitUSD, "daily-cost-limit-usd", 5.0, "daily LLM spend cap in USD (must be positive)")
	fs.IntVar(&c.SeverityThreshold, "severity-threshold", 6, "minimum severity for notification (1..10)")
	fs.IntVar(&c.DeepDiveMinSeverity, "deep-dive-min-severity", 8, "minimum severity for deep-dive analysis (1..10)")
	fs.IntVar(&c.DeepDiveMaxPerCycle, "deep-dive-max-per-cycle", 3, "maximum deep dives per cycle")
	fs.IntVar(&c.PollIntervalMinutes, "poll-interval-minutes", 30, "minutes between collection cycles (5..1440)")
	fs.IntVar(&c.SpikeThreshold, "spike-threshold", 10, "notified items per cycle that trigger spike polling (0 = disabled)")
	fs.IntVar(&c.SpikePollIntervalMinutes, "spike-poll-interval-minutes", 10, "poll interval while in spike mode (must be <= poll-interval-minutes)")
	fs.IntVar(&c.CycleTimeoutSeconds, "cycle-timeout-seconds", 600, "hard deadline for one collection cycle (60..3600)")
	fs.IntVar(&c.EnrichBatchSize, "enrich-batch-size", 15, "items per enrichment call (1..50)")
	fs.BoolVar(&c.RunOnce, "once", false, "run a single collection cycle and exit")
}

// Validate checks all configuration fields for correctness. Invalid values
// are rejected outright; nothing is clamped into range.
func (c *Config) Validate() error {
	var errs []error

	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.DatabaseURL == "" && c.StatePath == "" {
		errs = append(errs, errors.New("STATE_PATH is required when DATABASE_URL is unset"))
	}

	if c.ClaudeAPIKey == "" {
		errs = append(errs, errors.New("CLAUDE_API_KEY is required"))
	}
	if c.ClaudeModel == "" {
		errs = append(errs, errors.New("CLAUDE_MODEL is required"))
	}

	if c.DailyCostLimitUSD <= 0 {
		errs = append(errs, fmt.Errorf("invalid DAILY_COST_LIMIT_USD %v (must be positive)", c.DailyCostLimitUSD))
	}

	if c.SeverityThreshold < 1 || c.SeverityThreshold > 10 {
		errs = append(errs, fmt.Errorf("invalid SEVERITY_THRESHOLD %d (must be 1..10)", c.SeverityThreshold))
	}
	if c.DeepDiveMinSeverity < 1 || c.DeepDiveMinSeverity > 10 {
		errs = append(errs, fmt.Errorf("invalid DEEP_DIVE_MIN_SEVERITY %d (must be 1..10)", c.DeepDiveMinSeverity))
	}
	if c.DeepDiveMinSeverity < c.SeverityThreshold {
		errs = append(errs, fmt.Errorf("DEEP_DIVE_MIN_SEVERITY %d must be >= SEVERITY_THRESHOLD %d",
			c.DeepDiveMinSeverity, c.SeverityThreshold))
	}
	if c.DeepDiveMaxPerCycle < 0 {
		errs = append(errs, fmt.Errorf("invalid DEEP_DIVE_MAX_PER_CYCLE %d (must be >= 0)", c.DeepDiveMaxPerCycle))
	}

	if c.PollIntervalMinutes < 5 || c.PollIntervalMinutes > 1440 {
		errs = append(errs, fmt.Errorf("invalid POLL_INTERVAL_MINUTES %d (must be 5..1440)", c.PollIntervalMinutes))
	}
	if c.SpikeThreshold < 0 {
		errs = append(errs, fmt.Errorf("invalid SPIKE_THRESHOLD %d (must be >= 0)", c.SpikeThreshold))
	}
	if c.SpikeThreshold > 0 {
		if c.SpikePollIntervalMinutes < 1 {
			errs = append(errs, fmt.Errorf("invalid SPIKE_POLL_INTERVAL_MINUTES %d (must be >= 1)", c.SpikePollIntervalMinutes))
		} else if c.SpikePollIntervalMinutes > c.PollIntervalMinutes {
			errs = append(errs, fmt.Errorf("SPIKE_POLL_INTERVAL_MINUTES %d must be <= POLL_INTERVAL_MINUTES %d",
				c.SpikePollIntervalMinutes, c.PollIntervalMinutes))
		}
	}
	if c.CycleTimeoutSeconds < 60 || c.CycleTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid CYCLE_TIMEOUT_SECONDS %d (must be 60..3600)", c.CycleTimeoutSeconds))
	}

	if c.EnrichBatchSize < 1 || c.EnrichBatchSize > 50 {
		errs = append(errs, fmt.Errorf("invalid ENRICH_BATCH_SIZE %d (must be 1..50)", c.EnrichBatchSize))
	}

	if c.SeenRetentionDays < 0 || c.SeenRetentionDays > 3650 {
		errs = append(errs, fmt.Errorf("invalid SEEN_RETENTION_DAYS %d (must be 0..3650)", c.SeenRetentionDays))
	}

	if c.SMTPHost != "" {
		if c.EmailFrom == "" {
			errs = append(errs, errors.New("EMAIL_FROM is required when SMTP_HOST is set"))
		}
		if len(c.EmailRecipients()) == 0 {
			errs = append(errs, errors.New("EMAIL_TO is required when SMTP_HOST is set"))
		}
		if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
			errs = append(errs, fmt.Errorf("invalid SMTP_PORT %d (must be 1..65535)", c.SMTPPort))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EmailRecipients splits the comma-separated recipient list, dropping empty
// entries.
func (c *Config) EmailRecipients() []string {
	var out []string
	for _, addr := range strings.Split(c.EmailTo, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
