// Package config provides configuration management for geoquery.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"geoquery/internal/domain"
	"geoquery/internal/resilience"
)

// Config is the root configuration structure
type Config struct {
	Backend   BackendConfig   `toml:"backend"`
	Retry     RetryConfig     `toml:"retry"`
	Cache     CacheConfig     `toml:"cache"`
	Redis     RedisConfig     `toml:"redis"`
	Proxy     ProxyConfig     `toml:"proxy"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// BackendConfig contains the outbound endpoints
type BackendConfig struct {
	AnalysisURL    string        `toml:"analysis_url"` // Scoring endpoint (POST)
	ProxyURL       string        `toml:"proxy_url"`    // Base URL of the fetch-content proxy
	APIKey         string        `toml:"api_key"`
	UserAgent      string        `toml:"user_agent"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	MaxConnections int           `toml:"max_connections"`

	// Circuit breaker around the analysis endpoint; threshold 0 disables it
	BreakerThreshold int           `toml:"breaker_threshold"`
	BreakerTimeout   time.Duration `toml:"breaker_timeout"`
}

// RetryConfig contains retry policy settings
type RetryConfig struct {
	MaxRetries  int           `toml:"max_retries"`
	BackoffBase time.Duration `toml:"backoff_base"`
	BackoffMax  time.Duration `toml:"backoff_max"`
	Jitter      bool          `toml:"jitter"`
}

// CacheConfig contains query cache settings
type CacheConfig struct {
	EntryTTL        time.Duration `toml:"entry_ttl"`        // Lifetime of unreferenced settled entries
	CleanupInterval time.Duration `toml:"cleanup_interval"` // Expired entry sweep interval
}

// RedisConfig contains shared result store settings
type RedisConfig struct {
	Enabled  bool          `toml:"enabled"`
	Addr     string        `toml:"addr"`
	Password string        `toml:"password"`
	DB       int           `toml:"db"`
	TTL      time.Duration `toml:"ttl"`
}

// ProxyConfig contains fetch-content proxy server settings
type ProxyConfig struct {
	BindAddress  string        `toml:"bind_address"`
	Port         int           `toml:"port"`
	FetchTimeout time.Duration `toml:"fetch_timeout"`
	MaxBodyBytes int64         `toml:"max_body_bytes"`
	UserAgent    string        `toml:"user_agent"`
}

// TelemetryConfig contains logging and metrics settings
type TelemetryConfig struct {
	LogFormat      string `toml:"log_format"` // "json" or "text"
	LogLevel       string `toml:"log_level"`
	MetricsEnabled bool   `toml:"metrics_enabled"`
}

// Default returns a default configuration
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			AnalysisURL:    "http://localhost:3000/api/analyze",
			ProxyURL:       "http://localhost:3000",
			UserAgent:      "geoquery/0.1",
			RequestTimeout: 60 * time.Second,
			MaxConnections: 10,

			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Retry: RetryConfig{
			MaxRetries:  resilience.DefaultMaxRetries,
			BackoffBase: resilience.DefaultBackoffBaseMs * time.Millisecond,
			BackoffMax:  resilience.DefaultBackoffMaxMs * time.Millisecond,
		},
		Cache: CacheConfig{
			EntryTTL:        10 * time.Minute,
			CleanupInterval: time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			TTL:  24 * time.Hour,
		},
		Proxy: ProxyConfig{
			BindAddress:  "0.0.0.0",
			Port:         3000,
			FetchTimeout: 15 * time.Second,
			MaxBodyBytes: 5 * 1024 * 1024, // 5MB
			UserAgent:    "Mozilla/5.0 (compatible; geoquery-proxy/0.1)",
		},
		Telemetry: TelemetryConfig{
			LogFormat:      "json",
			LogLevel:       "info",
			MetricsEnabled: true,
		},
	}
}

// Load loads configuration from a file. A missing file yields defaults.
// A .env file in the working directory is loaded first so that ${VAR}
// references and GEOQUERY_* overrides can come from it.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env file", "error", err)
	}

	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	cfg.substituteEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// substituteEnvVars substitutes ${VAR} patterns with environment variables
// and applies direct GEOQUERY_* environment variable overrides
func (c *Config) substituteEnvVars() {
	c.Backend.AnalysisURL = expandEnv(c.Backend.AnalysisURL)
	c.Backend.ProxyURL = expandEnv(c.Backend.ProxyURL)
	c.Backend.APIKey = expandEnv(c.Backend.APIKey)
	c.Redis.Addr = expandEnv(c.Redis.Addr)
	c.Redis.Password = expandEnv(c.Redis.Password)

	if v := os.Getenv("GEOQUERY_ANALYSIS_URL"); v != "" {
		c.Backend.AnalysisURL = v
	}
	if v := os.Getenv("GEOQUERY_PROXY_URL"); v != "" {
		c.Backend.ProxyURL = v
	}
	if v := os.Getenv("GEOQUERY_API_KEY"); v != "" {
		c.Backend.APIKey = v
	}
	if v := os.Getenv("GEOQUERY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("GEOQUERY_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("GEOQUERY_PROXY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Proxy.Port = port
		}
	}
	if v := os.Getenv("GEOQUERY_LOG_LEVEL"); v != "" {
		c.Telemetry.LogLevel = v
	}
	if v := os.Getenv("GEOQUERY_LOG_FORMAT"); v != "" {
		c.Telemetry.LogFormat = v
	}
}

// expandEnv expands ${VAR} or $VAR patterns
func expandEnv(s string) string {
	if s == "" {
		return s
	}
	return os.ExpandEnv(s)
}

// Validate checks endpoint URLs and numeric bounds
func (c *Config) Validate() error {
	if err := validateURL("backend.analysis_url", c.Backend.AnalysisURL); err != nil {
		return err
	}
	if err := validateURL("backend.proxy_url", c.Backend.ProxyURL); err != nil {
		return err
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be non-negative")
	}
	if c.Retry.BackoffBase < 0 || c.Retry.BackoffMax < 0 {
		return fmt.Errorf("retry backoff durations must be non-negative")
	}
	if c.Retry.BackoffMax > 0 && c.Retry.BackoffBase > c.Retry.BackoffMax {
		return fmt.Errorf("retry.backoff_base must not exceed retry.backoff_max")
	}
	if c.Backend.BreakerThreshold < 0 {
		return fmt.Errorf("backend.breaker_threshold must be non-negative")
	}
	if c.Cache.EntryTTL < 0 {
		return fmt.Errorf("cache.entry_ttl must be non-negative")
	}
	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("proxy.port out of range: %d", c.Proxy.Port)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	return nil
}

func validateURL(field, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s has no host", field)
	}
	return nil
}

// ConnectionSettings converts backend settings to HTTP connection settings
func (c *Config) ConnectionSettings() domain.ConnectionSettings {
	settings := domain.DefaultConnectionSettings()
	if c.Backend.RequestTimeout > 0 {
		settings.RequestTimeoutSec = int(c.Backend.RequestTimeout / time.Second)
		if settings.RequestTimeoutSec == 0 {
			settings.RequestTimeoutSec = 1
		}
	}
	if c.Backend.MaxConnections > 0 {
		settings.MaxConnections = c.Backend.MaxConnections
	}
	if c.Backend.UserAgent != "" {
		settings.UserAgent = c.Backend.UserAgent
	}
	return settings
}

// RetryPolicyConfig converts retry settings to a resilience retry config
func (c *Config) RetryPolicyConfig() resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxRetries:  c.Retry.MaxRetries,
		BackoffBase: c.Retry.BackoffBase,
		BackoffMax:  c.Retry.BackoffMax,
		Jitter:      c.Retry.Jitter,
	}
}

// ListenAddr returns the proxy listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Proxy.BindAddress, c.Proxy.Port)
}
