// Package config loads AEGIS's gateway configuration from a YAML file
// with environment variable overrides.
//
// There is no flag parsing here; callers pass a file path directly to
// Load.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TierLimits maps a tier name to its default requests-per-minute
// quota.
type TierLimits map[string]int64

func defaultTierLimits() TierLimits {
	return TierLimits{
		"anonymous":  60,
		"free":       100,
		"basic":      500,
		"pro":        2000,
		"enterprise": 10000,
		"unlimited":  1_000_000,
	}
}

// BackendConfig names one upstream service and the routes that select
// it, plus its health-check and circuit-breaker knobs.
type BackendConfig struct {
	Name                      string   `yaml:"name"`
	URL                       string   `yaml:"url"`
	Routes                    []string `yaml:"routes"`
	RequestTimeout            string   `yaml:"timeout"`
	RetryAttempts             int      `yaml:"retryAttempts"`
	HealthCheckPath           string   `yaml:"healthCheckPath"`
	HealthCheckIntervalMS     int      `yaml:"healthCheckIntervalMs"`
	FailureThreshold          int      `yaml:"failureThreshold"`
	DegradedRecoveryThreshold int      `yaml:"degradedRecoveryThreshold"`
	Enabled                   bool     `yaml:"enabled"`
}

// RuleConfig is one rate-limit rule as written in the config file.
type RuleConfig struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	Enabled           bool              `yaml:"enabled"`
	Priority          int               `yaml:"priority"`
	Endpoint          string            `yaml:"endpoint"`
	EndpointMatchType string            `yaml:"endpointMatchType"`
	Methods           []string          `yaml:"methods"`
	Tiers             []string          `yaml:"tiers"`
	UserIDs           []string          `yaml:"userIds"`
	IPs               []string          `yaml:"ips"`
	APIKeys           []string          `yaml:"apiKeys"`
	Headers           map[string]string `yaml:"headers"`
	Algorithm         string            `yaml:"algorithm"`
	Requests          int64             `yaml:"requests"`
	WindowSeconds     int64             `yaml:"windowSeconds"`
}

// BypassConfig lists the whitelists checked before any rule matching.
type BypassConfig struct {
	IPWhitelist           []string `yaml:"ipWhitelist"`
	InternalRangesEnabled bool     `yaml:"internalRangesEnabled"`
	UserIDWhitelist       []string `yaml:"userIdWhitelist"`
	APIKeyWhitelist       []string `yaml:"apiKeyWhitelist"`
	PathWhitelist         []string `yaml:"pathWhitelist"`
}

// Config is the root configuration object assembled at boot.
type Config struct {
	APIBaseURL string `yaml:"apiBaseURL"`

	Server struct {
		ListenAddr   string `yaml:"listenAddr"`
		RealtimePath string `yaml:"realtimePath"`
	} `yaml:"server"`

	Backends []BackendConfig `yaml:"backends"`

	ML struct {
		ServiceURL string `yaml:"serviceURL"`
		Enabled    bool   `yaml:"enabled"`
	} `yaml:"ml"`

	KV struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"kv"`

	TimeSeries struct {
		DSN string `yaml:"dsn"`
	} `yaml:"timeSeries"`

	Metrics struct {
		FlushIntervalMS int `yaml:"flushIntervalMs"`
		BatchSize       int `yaml:"batchSize"`
		RetentionDays   int `yaml:"retentionDays"`
	} `yaml:"metrics"`

	RateLimiter struct {
		DefaultAlgorithm string       `yaml:"defaultAlgorithm"`
		KeyPrefix        string       `yaml:"keyPrefix"`
		KeyStrategy      string       `yaml:"keyStrategy"`
		TierLimits       TierLimits   `yaml:"tierLimits"`
		IncludeHeaders   *bool        `yaml:"includeHeaders"`
		ErrorMessage     string       `yaml:"errorMessage"`
		Rules            []RuleConfig `yaml:"rules"`
		Bypass           BypassConfig `yaml:"bypass"`
	} `yaml:"rateLimiter"`

	Breaker struct {
		FailureThreshold int `yaml:"failureThreshold"`
		SuccessThreshold int `yaml:"successThreshold"`
		OpenDurationMS   int `yaml:"openDurationMs"`
	} `yaml:"breaker"`

	Alerts struct {
		CheckIntervalMS int `yaml:"checkIntervalMs"`
	} `yaml:"alerts"`
}

// Defaults returns a Config with every field set to its built-in
// default (tier table, flush interval, etc.).
func Defaults() *Config {
	c := &Config{}
	c.Server.ListenAddr = ":8080"
	c.Server.RealtimePath = "/ws"
	c.Metrics.FlushIntervalMS = 5000
	c.Metrics.BatchSize = 500
	c.Metrics.RetentionDays = 30
	c.RateLimiter.DefaultAlgorithm = "sliding-window-counter"
	c.RateLimiter.KeyPrefix = "aegis"
	c.RateLimiter.TierLimits = defaultTierLimits()
	c.RateLimiter.ErrorMessage = "Too Many Requests"
	c.Breaker.FailureThreshold = 5
	c.Breaker.SuccessThreshold = 1
	c.Breaker.OpenDurationMS = 30_000
	c.Alerts.CheckIntervalMS = 60_000
	return c
}

// Load reads defaults, overlays the YAML file at path (if non-empty),
// then overlays environment variables, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func applyEnv(c *Config) {
	if v := os.Getenv("API_BASE_URL"); v != "" {
		c.APIBaseURL = v
	}
	if v := os.Getenv("ML_SERVICE_URL"); v != "" {
		c.ML.ServiceURL = v
	}
	if v := os.Getenv("ML_SERVICE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.ML.Enabled = b
		}
	}
	if v := os.Getenv("KV_ADDR"); v != "" {
		c.KV.Addr = v
	}
	if v := os.Getenv("TIMESERIES_DSN"); v != "" {
		c.TimeSeries.DSN = v
	}
	if v := os.Getenv("FLUSH_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metrics.FlushIntervalMS = n
		}
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metrics.BatchSize = n
		}
	}
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metrics.RetentionDays = n
		}
	}
}

func (c *Config) validate() error {
	if c.Metrics.FlushIntervalMS <= 0 {
		return fmt.Errorf("metrics.flushIntervalMs must be positive")
	}
	if c.Metrics.BatchSize <= 0 {
		return fmt.Errorf("metrics.batchSize must be positive")
	}
	if c.Metrics.RetentionDays <= 0 {
		return fmt.Errorf("metrics.retentionDays must be positive")
	}
	if len(c.RateLimiter.TierLimits) == 0 {
		return fmt.Errorf("rateLimiter.tierLimits must not be empty")
	}
	return nil
}

// FlushInterval returns the configured metrics flush interval as a
// time.Duration.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.Metrics.FlushIntervalMS) * time.Millisecond
}

// AlertCheckInterval returns the configured alert evaluator cadence.
func (c *Config) AlertCheckInterval() time.Duration {
	return time.Duration(c.Alerts.CheckIntervalMS) * time.Millisecond
}

// RetentionPeriod returns the configured metrics retention window.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.Metrics.RetentionDays) * 24 * time.Hour
}

// BreakerOpenDuration returns the configured circuit-breaker open
// timeout as a time.Duration.
func (c *Config) BreakerOpenDuration() time.Duration {
	return time.Duration(c.Breaker.OpenDurationMS) * time.Millisecond
}

// Timeout parses b's configured timeout string, falling back to
// fallback when unset or unparsable.
func (b BackendConfig) Timeout(fallback time.Duration) time.Duration {
	if b.RequestTimeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(b.RequestTimeout)
	if err != nil {
		return fallback
	}
	return d
}

// HealthCheckInterval returns the configured health probe cadence.
func (b BackendConfig) HealthCheckInterval(fallback time.Duration) time.Duration {
	if b.HealthCheckIntervalMS <= 0 {
		return fallback
	}
	return time.Duration(b.HealthCheckIntervalMS) * time.Millisecond
}
