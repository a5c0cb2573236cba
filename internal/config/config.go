// Package config provides configuration loading and management for the
// application. Defaults are overridden first by an optional YAML file and
// then by environment variables, so every knob is independently tunable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// HTTP server port
	Port string `yaml:"port"`

	// Upstream candidate feed endpoint
	UpstreamURL string `yaml:"upstream_url"`

	// Optional websocket push endpoint
	PushURL string `yaml:"push_url"`

	// Update strategy: polling, push or hybrid
	Strategy string `yaml:"strategy"`

	// OpenTelemetry endpoint for observability
	OtelEndpoint string `yaml:"otel_endpoint"`

	// Polling cadence
	PollingInterval    time.Duration `yaml:"polling_interval"`
	MaxPollingInterval time.Duration `yaml:"max_polling_interval"`
	BackoffMultiplier  float64       `yaml:"backoff_multiplier"`

	// Fetch retry settings
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	// Cache settings
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	CacheCapacity int           `yaml:"cache_capacity"`
	EnableCache   bool          `yaml:"enable_cache"`

	// Circuit breaker settings
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`

	// Fallback store settings
	FallbackMaxAge time.Duration `yaml:"fallback_max_age"`
	FallbackPath   string        `yaml:"fallback_path"`

	// Push reconnect settings
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`

	// Background refresh and visibility gating
	BackgroundRefreshInterval time.Duration `yaml:"background_refresh_interval"`
	EnableBackgroundRefresh   bool          `yaml:"enable_background_refresh"`
	EnableVisibilityGating    bool          `yaml:"enable_visibility_gating"`

	// Server-side rate limiting
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:                      "8080",
		UpstreamURL:               "http://localhost:9090/candidates",
		Strategy:                  "polling",
		PollingInterval:           30 * time.Second,
		MaxPollingInterval:        300 * time.Second,
		BackoffMultiplier:         2.0,
		MaxAttempts:               3,
		AttemptTimeout:            15 * time.Second,
		RetryBaseDelay:            time.Second,
		RetryMaxDelay:             10 * time.Second,
		CacheTTL:                  30 * time.Second,
		CacheCapacity:             100,
		EnableCache:               true,
		FailureThreshold:          5,
		ResetTimeout:              60 * time.Second,
		FallbackMaxAge:            time.Hour,
		ReconnectBaseDelay:        2 * time.Second,
		MaxReconnectAttempts:      5,
		BackgroundRefreshInterval: 60 * time.Second,
		EnableBackgroundRefresh:   true,
		EnableVisibilityGating:    true,
		RateLimitRPS:              10,
		RateLimitBurst:            20,
	}
}

// Load builds the configuration from defaults, an optional YAML file named
// by CONFIG_FILE, and environment variables, in increasing precedence.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = GetEnvOrDefault("PORT", c.Port)
	c.UpstreamURL = GetEnvOrDefault("UPSTREAM_URL", c.UpstreamURL)
	c.PushURL = GetEnvOrDefault("PUSH_URL", c.PushURL)
	c.Strategy = strings.ToLower(GetEnvOrDefault("STRATEGY", c.Strategy))
	c.OtelEndpoint = GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", c.OtelEndpoint)
	c.PollingInterval = GetEnvAsDuration("POLLING_INTERVAL", c.PollingInterval)
	c.MaxPollingInterval = GetEnvAsDuration("MAX_POLLING_INTERVAL", c.MaxPollingInterval)
	c.BackoffMultiplier = GetEnvAsFloat("BACKOFF_MULTIPLIER", c.BackoffMultiplier)
	c.MaxAttempts = GetEnvAsInt("MAX_ATTEMPTS", c.MaxAttempts)
	c.AttemptTimeout = GetEnvAsDuration("ATTEMPT_TIMEOUT", c.AttemptTimeout)
	c.RetryBaseDelay = GetEnvAsDuration("RETRY_BASE_DELAY", c.RetryBaseDelay)
	c.RetryMaxDelay = GetEnvAsDuration("RETRY_MAX_DELAY", c.RetryMaxDelay)
	c.CacheTTL = GetEnvAsDuration("CACHE_TTL", c.CacheTTL)
	c.CacheCapacity = GetEnvAsInt("CACHE_CAPACITY", c.CacheCapacity)
	c.EnableCache = GetEnvAsBool("ENABLE_CACHE", c.EnableCache)
	c.FailureThreshold = GetEnvAsInt("FAILURE_THRESHOLD", c.FailureThreshold)
	c.ResetTimeout = GetEnvAsDuration("RESET_TIMEOUT", c.ResetTimeout)
	c.FallbackMaxAge = GetEnvAsDuration("FALLBACK_MAX_AGE", c.FallbackMaxAge)
	c.FallbackPath = GetEnvOrDefault("FALLBACK_PATH", c.FallbackPath)
	c.ReconnectBaseDelay = GetEnvAsDuration("RECONNECT_BASE_DELAY", c.ReconnectBaseDelay)
	c.MaxReconnectAttempts = GetEnvAsInt("MAX_RECONNECT_ATTEMPTS", c.MaxReconnectAttempts)
	c.BackgroundRefreshInterval = GetEnvAsDuration("BACKGROUND_REFRESH_INTERVAL", c.BackgroundRefreshInterval)
	c.EnableBackgroundRefresh = GetEnvAsBool("ENABLE_BACKGROUND_REFRESH", c.EnableBackgroundRefresh)
	c.EnableVisibilityGating = GetEnvAsBool("ENABLE_VISIBILITY_GATING", c.EnableVisibilityGating)
	c.RateLimitRPS = GetEnvAsFloat("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = GetEnvAsInt("RATE_LIMIT_BURST", c.RateLimitBurst)
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
