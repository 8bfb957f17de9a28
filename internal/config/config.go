package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	StoreBackend string `envconfig:"SCOUT_STORE" default:"postgres"`
	DatabaseURL  string `envconfig:"DATABASE_URL"`
	DBMinConns   int32  `envconfig:"SCOUT_DB_MIN_CONNS" default:"1"`
	DBMaxConns   int32  `envconfig:"SCOUT_DB_MAX_CONNS" default:"8"`

	ScrapeTTLHours int           `envconfig:"SCOUT_SCRAPE_TTL_HOURS" default:"168"`
	SweepInterval  time.Duration `envconfig:"SCOUT_SWEEP_INTERVAL" default:"1h"`

	FeedbackRateLimit  int           `envconfig:"SCOUT_FEEDBACK_RATE_LIMIT" default:"10"`
	FeedbackRateWindow time.Duration `envconfig:"SCOUT_FEEDBACK_RATE_WINDOW" default:"1m"`
	APIRateLimit       int           `envconfig:"SCOUT_API_RATE_LIMIT" default:"100"`
	APIRateWindow      time.Duration `envconfig:"SCOUT_API_RATE_WINDOW" default:"1m"`
	ResearchCacheTTL   time.Duration `envconfig:"SCOUT_RESEARCH_CACHE_TTL" default:"1h"`
	SignalsCacheTTL    time.Duration `envconfig:"SCOUT_SIGNALS_CACHE_TTL" default:"5m"`

	RunnerMaxConcurrent int           `envconfig:"SCOUT_RUNNER_MAX_CONCURRENT" default:"5"`
	RunnerJobTimeout    time.Duration `envconfig:"SCOUT_RUNNER_JOB_TIMEOUT" default:"30s"`
	RunnerCacheTTL      time.Duration `envconfig:"SCOUT_RUNNER_CACHE_TTL" default:"5m"`
	RunnerDomainDelay   time.Duration `envconfig:"SCOUT_RUNNER_DOMAIN_DELAY" default:"1s"`

	FetchUserAgent     string `envconfig:"SCOUT_FETCH_USER_AGENT" default:""`
	FetchBodyByteLimit int64  `envconfig:"SCOUT_FETCH_BODY_LIMIT" default:"2097152"`
	DetectLanguage     bool   `envconfig:"SCOUT_DETECT_LANGUAGE" default:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend() {
	case StoreBackendPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("DATABASE_URL is required when SCOUT_STORE=postgres")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("SCOUT_STORE must be %q or %q, got %q", StoreBackendPostgres, StoreBackendMemory, c.StoreBackend)
	}
	if c.DBMinConns < 0 {
		return fmt.Errorf("SCOUT_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("SCOUT_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("SCOUT_DB_MIN_CONNS (%d) cannot exceed SCOUT_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.ScrapeTTLHours < 1 {
		return fmt.Errorf("SCOUT_SCRAPE_TTL_HOURS must be >= 1")
	}
	if c.FeedbackRateLimit < 1 {
		return fmt.Errorf("SCOUT_FEEDBACK_RATE_LIMIT must be >= 1")
	}
	if c.APIRateLimit < 1 {
		return fmt.Errorf("SCOUT_API_RATE_LIMIT must be >= 1")
	}
	if c.FeedbackRateWindow <= 0 || c.APIRateWindow <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	if c.RunnerMaxConcurrent < 1 {
		return fmt.Errorf("SCOUT_RUNNER_MAX_CONCURRENT must be >= 1")
	}
	if c.RunnerJobTimeout <= 0 {
		return fmt.Errorf("SCOUT_RUNNER_JOB_TIMEOUT must be positive")
	}
	if c.RunnerDomainDelay < 0 || c.RunnerCacheTTL < 0 {
		return fmt.Errorf("SCOUT_RUNNER_DOMAIN_DELAY and SCOUT_RUNNER_CACHE_TTL must be >= 0")
	}
	return nil
}

// Backend returns the normalized store backend name.
func (c *Config) Backend() string {
	if c == nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(c.StoreBackend))
}

func (c *Config) ScrapeTTL() time.Duration {
	if c == nil || c.ScrapeTTLHours < 1 {
		return 7 * 24 * time.Hour
	}
	return time.Duration(c.ScrapeTTLHours) * time.Hour
}
