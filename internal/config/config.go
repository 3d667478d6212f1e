// Package config loads and validates agent configuration from environment
// variables. Ownership of configuration stays with the host application;
// the root package accepts overrides through options and falls back to
// this loader for defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all agent configuration.
type Config struct {
	// Span storage settings.
	DBPath        string        // SQLite database file path.
	SpanRetention time.Duration // Spans older than this are pruned.
	MaxSpans      int64         // Oldest spans beyond this count are pruned.

	// Flush and shipping settings.
	FlushInterval time.Duration
	Endpoint      string // Remote collector base URL. Empty = shipping disabled.
	APIKey        string
	HTTPTimeout   time.Duration
	MaxAttempts   int

	// Backoff settings (milliseconds, matching the wire defaults).
	BackoffMinMS         int
	BackoffMaxMS         int
	BackoffMultiplier    float64
	BackoffRandomization float64

	// Metric rollup retention, per granularity.
	MinuteRetention time.Duration
	HourRetention   time.Duration
	DayRetention    time.Duration

	// Extraction settings.
	ViewRoot string // Application template root for view targets.

	// Self-telemetry (OTLP) settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		DBPath:               envStr("MIRU_DB_PATH", "miru/miru.sqlite3"),
		SpanRetention:        envDuration("MIRU_SPAN_RETENTION", 24*time.Hour),
		MaxSpans:             int64(envInt("MIRU_MAX_SPANS", 50_000)),
		FlushInterval:        envDuration("MIRU_FLUSH_INTERVAL", 60*time.Second),
		Endpoint:             envStr("MIRU_ENDPOINT", ""),
		APIKey:               envStr("MIRU_API_KEY", ""),
		HTTPTimeout:          envDuration("MIRU_HTTP_TIMEOUT", 30*time.Second),
		MaxAttempts:          envInt("MIRU_MAX_ATTEMPTS", 5),
		BackoffMinMS:         envInt("MIRU_BACKOFF_MIN_MS", 1000),
		BackoffMaxMS:         envInt("MIRU_BACKOFF_MAX_MS", 30000),
		BackoffMultiplier:    envFloat("MIRU_BACKOFF_MULTIPLIER", 1.5),
		BackoffRandomization: envFloat("MIRU_BACKOFF_RANDOMIZATION", 0.5),
		MinuteRetention:      envDuration("MIRU_MINUTE_RETENTION", 2*time.Hour),
		HourRetention:        envDuration("MIRU_HOUR_RETENTION", 7*24*time.Hour),
		DayRetention:         envDuration("MIRU_DAY_RETENTION", 90*24*time.Hour),
		ViewRoot:             envStr("MIRU_VIEW_ROOT", ""),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "miru"),
		LogLevel:             envStr("MIRU_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("config: MIRU_DB_PATH is required")
	}
	if c.SpanRetention <= 0 {
		return fmt.Errorf("config: MIRU_SPAN_RETENTION must be positive")
	}
	if c.MaxSpans <= 0 {
		return fmt.Errorf("config: MIRU_MAX_SPANS must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("config: MIRU_FLUSH_INTERVAL must be positive")
	}
	if c.Endpoint != "" && c.APIKey == "" {
		return fmt.Errorf("config: MIRU_API_KEY is required when MIRU_ENDPOINT is set")
	}
	if c.BackoffMinMS <= 0 || c.BackoffMaxMS < c.BackoffMinMS {
		return fmt.Errorf("config: backoff window %d..%d ms is invalid", c.BackoffMinMS, c.BackoffMaxMS)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
