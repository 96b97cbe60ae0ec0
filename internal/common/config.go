package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Storage     StorageConfig  `toml:"storage"`
	Logging     LoggingConfig  `toml:"logging"`
	Database    DatabaseConfig `toml:"database"`
	Proxy       ProxyConfig    `toml:"proxy"`
	RateLimit   RateLimitEnv   `toml:"rate_limit"`
	Dedup       DedupConfig    `toml:"dedup"`
	Headless    HeadlessConfig `toml:"headless"`
	Metrics     MetricsConfig  `toml:"metrics"`
	Health      HealthConfig   `toml:"health"`
	Alerts      AlertsConfig   `toml:"alerts"`
	Pipeline    PipelineConfig `toml:"pipeline"`
	Extract     ExtractConfig  `toml:"extract"`
}

// StorageConfig holds on-disk state locations
type StorageConfig struct {
	Dir       string `toml:"dir"`        // Directory for persisted state files (default: "./storage")
	CacheDir  string `toml:"cache_dir"`  // Badger cache directory for extraction responses
	ResetData bool   `toml:"reset_data"` // Delete persisted state on startup for clean test runs
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// DatabaseConfig holds the relational sink settings.
// DATABASE_URL takes precedence; otherwise the PG* fields are assembled into a DSN.
type DatabaseConfig struct {
	URL      string `toml:"url"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`
	SSL      bool   `toml:"ssl"`
	PoolMax  int    `toml:"pool_max"`
	// When true, an unreachable database downgrades persistence to log-only
	// instead of aborting the run.
	FallbackEnabled bool `toml:"fallback_enabled"`
}

// DSN returns the connection string for pgx
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	sslMode := "disable"
	if d.SSL {
		sslMode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode)
}

type ProxyConfig struct {
	URLs                   []string `toml:"urls"`                     // Manual proxy seeds; substring-matched for paid classification
	MinCount               int      `toml:"min_count"`                // Pool floor; startup aborts below this after validation
	RefreshIntervalMinutes int      `toml:"refresh_interval_minutes"` // Revalidation cadence
	MaxResponseTimeMs      int      `toml:"max_response_time_ms"`     // Validation latency ceiling
	EchoEndpoint           string   `toml:"echo_endpoint"`            // IP-echo endpoint used for validation
}

// RateLimitEnv holds the global scheduler/backoff tuning knobs.
// Per-domain profiles live in rate-profiles.yaml (see ratelimit package).
type RateLimitEnv struct {
	Enabled            bool    `toml:"enabled"`               // Master switch for scheduler gating
	BaseDelayMs        int     `toml:"base_delay_ms"`         // Per-domain minimum delay override
	RandomDelayRangeMs int     `toml:"random_delay_range_ms"` // Jitter range override
	OffHoursStart      int     `toml:"off_hours_start"`       // Local hour at which off-hours begin
	OffHoursEnd        int     `toml:"off_hours_end"`         // Local hour at which off-hours end
	BackoffMultiplier  float64 `toml:"backoff_multiplier"`
	MaxBackoffAttempts int     `toml:"max_backoff_attempts"`
	ProfilesFile       string  `toml:"profiles_file"` // Optional YAML overlay with per-domain profiles
}

type DedupConfig struct {
	Enabled       bool `toml:"enabled"`
	LogSkipped    bool `toml:"log_skipped"`
	RetentionDays int  `toml:"retention_days"`
}

type HeadlessConfig struct {
	MaxConcurrency        int           `toml:"max_concurrency"` // Browser pool ceiling in paid mode
	MinJobsBeforeHeadless int           `toml:"min_jobs_before_headless"`
	SkipThreshold         int           `toml:"skip_threshold"`
	UserAgent             string        `toml:"user_agent"`
	JavaScriptWaitTime    time.Duration `toml:"javascript_wait_time"`
	NoSandbox             bool          `toml:"no_sandbox"`
}

type MetricsConfig struct {
	FlushInterval time.Duration `toml:"flush_interval"` // Snapshot file cadence
}

// HealthConfig carries the warn/critical thresholds for the health evaluator
type HealthConfig struct {
	SuccessRateWarnPct float64       `toml:"success_rate_warn_pct"`
	SuccessRateCritPct float64       `toml:"success_rate_crit_pct"`
	LastJobWarnMin     int           `toml:"last_job_warn_min"`
	LastJobCritMin     int           `toml:"last_job_crit_min"`
	MemoryWarnMb       float64       `toml:"memory_warn_mb"`
	MemoryCritMb       float64       `toml:"memory_crit_mb"`
	RateLimitHitsWarn  int           `toml:"rate_limit_hits_warn"`
	RateLimitHitsCrit  int           `toml:"rate_limit_hits_crit"`
	ProxyFailuresWarn  int           `toml:"proxy_failures_warn"`
	ProxyFailuresCrit  int           `toml:"proxy_failures_crit"`
	NoProgressWarnMin  int           `toml:"no_progress_warn_min"`
	CheckInterval      time.Duration `toml:"check_interval"`
}

type AlertsConfig struct {
	Enabled        bool   `toml:"enabled"`
	SlackWebhook   string `toml:"slack_webhook"`
	GenericWebhook string `toml:"generic_webhook"`
	SendmailTo     string `toml:"sendmail_to"`
	CooldownMin    int    `toml:"cooldown_min"`
}

type PipelineConfig struct {
	Queries            string        `toml:"queries"`             // JSON array of search queries
	PersistenceWorkers int           `toml:"persistence_workers"` // Bounded queue concurrency
	Schedule           string        `toml:"schedule"`            // Cron expression for recurring runs (empty = run once)
	SaveConcurrency    int           `toml:"save_concurrency"`    // Per-job save pipeline fan-out
	AdapterTimeout     time.Duration `toml:"adapter_timeout"`     // Advisory timeout handed to source adapters
}

// ExtractConfig contains Anthropic Claude API configuration for the
// HTML-to-JobRecord extraction collaborator
type ExtractConfig struct {
	APIKey       string        `toml:"api_key"`
	Model        string        `toml:"model"`
	MaxTokens    int           `toml:"max_tokens"`
	Timeout      time.Duration `toml:"timeout"`
	CacheEnabled bool          `toml:"cache_enabled"`
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability;
// only user-facing settings should be exposed in colligo.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Dir:      "./storage",
			CacheDir: "./storage/cache",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "colligo",
			Database:        "colligo",
			PoolMax:         10,
			FallbackEnabled: false,
		},
		Proxy: ProxyConfig{
			MinCount:               3,
			RefreshIntervalMinutes: 30,
			MaxResponseTimeMs:      8000,
			EchoEndpoint:           "https://httpbin.org/ip",
		},
		RateLimit: RateLimitEnv{
			Enabled:            true,
			OffHoursStart:      22,
			OffHoursEnd:        6,
			BackoffMultiplier:  2.0,
			MaxBackoffAttempts: 5,
		},
		Dedup: DedupConfig{
			Enabled:       true,
			RetentionDays: 30,
		},
		Headless: HeadlessConfig{
			MaxConcurrency:        4,
			MinJobsBeforeHeadless: 10,
			SkipThreshold:         25,
			UserAgent:             "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/127.0.0.0 Safari/537.36",
			JavaScriptWaitTime:    3 * time.Second,
			NoSandbox:             true,
		},
		Metrics: MetricsConfig{
			FlushInterval: 2 * time.Minute,
		},
		Health: HealthConfig{
			SuccessRateWarnPct: 70,
			SuccessRateCritPct: 40,
			LastJobWarnMin:     15,
			LastJobCritMin:     45,
			MemoryWarnMb:       1024,
			MemoryCritMb:       2048,
			RateLimitHitsWarn:  10,
			RateLimitHitsCrit:  30,
			ProxyFailuresWarn:  5,
			ProxyFailuresCrit:  20,
			NoProgressWarnMin:  10,
			CheckInterval:      5 * time.Minute,
		},
		Alerts: AlertsConfig{
			CooldownMin: 15,
		},
		Pipeline: PipelineConfig{
			PersistenceWorkers: 4,
			SaveConcurrency:    8,
			AdapterTimeout:     60 * time.Second,
		},
		Extract: ExtractConfig{
			Model:        "claude-haiku-3-5-20241022",
			MaxTokens:    8192,
			Timeout:      2 * time.Minute,
			CacheEnabled: true,
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
// The relational sink honors the conventional DATABASE_URL / PG* names;
// everything else is namespaced COLLIGO_*.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("COLLIGO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Relational sink
	if v := os.Getenv("DATABASE_URL"); v != "" {
		config.Database.URL = v
	}
	if v := os.Getenv("PGHOST"); v != "" {
		config.Database.Host = v
	}
	if v := os.Getenv("PGPORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			config.Database.Port = p
		}
	}
	if v := os.Getenv("PGUSER"); v != "" {
		config.Database.User = v
	}
	if v := os.Getenv("PGPASSWORD"); v != "" {
		config.Database.Password = v
	}
	if v := os.Getenv("PGDATABASE"); v != "" {
		config.Database.Database = v
	}
	if v := os.Getenv("PGSSL"); v != "" {
		config.Database.SSL = parseBool(v)
	}
	if v := os.Getenv("PG_POOL_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Database.PoolMax = n
		}
	}

	// Proxy pool
	if v := os.Getenv("PROXY_URLS"); v != "" {
		config.Proxy.URLs = splitCommaList(v)
	}
	if v := os.Getenv("PROXY_MIN_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Proxy.MinCount = n
		}
	}
	if v := os.Getenv("PROXY_REFRESH_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Proxy.RefreshIntervalMinutes = n
		}
	}

	// Escalation thresholds
	if v := os.Getenv("MIN_JOBS_BEFORE_HEADLESS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.Headless.MinJobsBeforeHeadless = n
		}
	}
	if v := os.Getenv("HEADLESS_SKIP_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.Headless.SkipThreshold = n
		}
	}
	if v := os.Getenv("HEADLESS_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Headless.MaxConcurrency = n
		}
	}

	// Domain rate limiting
	if v := os.Getenv("ENABLE_DOMAIN_RATE_LIMITING"); v != "" {
		config.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("BASE_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.RateLimit.BaseDelayMs = n
		}
	}
	if v := os.Getenv("RANDOM_DELAY_RANGE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			config.RateLimit.RandomDelayRangeMs = n
		}
	}
	if v := os.Getenv("OFF_HOURS_START"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.RateLimit.OffHoursStart = n
		}
	}
	if v := os.Getenv("OFF_HOURS_END"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.RateLimit.OffHoursEnd = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_BACKOFF_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			config.RateLimit.BackoffMultiplier = f
		}
	}
	if v := os.Getenv("MAX_BACKOFF_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.RateLimit.MaxBackoffAttempts = n
		}
	}

	// Dedup
	if v := os.Getenv("DEDUP_ENABLED"); v != "" {
		config.Dedup.Enabled = parseBool(v)
	}
	if v := os.Getenv("DEDUP_LOG_SKIPPED"); v != "" {
		config.Dedup.LogSkipped = parseBool(v)
	}
	if v := os.Getenv("DEDUP_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Dedup.RetentionDays = n
		}
	}

	// Health thresholds
	if v := os.Getenv("HEALTH_SUCCESS_RATE_WARN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Health.SuccessRateWarnPct = f
		}
	}
	if v := os.Getenv("HEALTH_SUCCESS_RATE_CRIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Health.SuccessRateCritPct = f
		}
	}
	if v := os.Getenv("HEALTH_LAST_JOB_WARN_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Health.LastJobWarnMin = n
		}
	}
	if v := os.Getenv("HEALTH_LAST_JOB_CRIT_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Health.LastJobCritMin = n
		}
	}
	if v := os.Getenv("HEALTH_NO_PROGRESS_WARN_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Health.NoProgressWarnMin = n
		}
	}

	// Alerts
	if v := os.Getenv("ENABLE_ALERTS"); v != "" {
		config.Alerts.Enabled = parseBool(v)
	}
	if v := os.Getenv("ALERT_SLACK_WEBHOOK"); v != "" {
		config.Alerts.SlackWebhook = v
	}
	if v := os.Getenv("ALERT_WEBHOOK_URL"); v != "" {
		config.Alerts.GenericWebhook = v
	}
	if v := os.Getenv("ALERT_EMAIL_TO"); v != "" {
		config.Alerts.SendmailTo = v
	}
	if v := os.Getenv("ALERT_COOLDOWN_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Alerts.CooldownMin = n
		}
	}

	// Metrics
	if v := os.Getenv("METRICS_FLUSH_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Metrics.FlushInterval = time.Duration(n) * time.Millisecond
		}
	}

	// Input queries
	if v := os.Getenv("SEARCH_QUERIES"); v != "" {
		config.Pipeline.Queries = v
	}

	// Logging
	if v := os.Getenv("COLLIGO_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("COLLIGO_LOG_OUTPUT"); v != "" {
		config.Logging.Output = splitCommaList(v)
	}

	// Extraction
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		config.Extract.APIKey = v
	}
}

// splitCommaList splits a comma-separated env value, trimming whitespace
// and dropping empty entries
func splitCommaList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
