package miru

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures an Agent.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	dbPath        string
	endpoint      string
	apiKey        string
	flushInterval time.Duration
	spanRetention time.Duration
	maxSpans      int64
	viewRoot      string
	httpClient    *http.Client
	logger        *slog.Logger
	version       string
}

// WithDBPath overrides the SQLite database path (MIRU_DB_PATH env var).
func WithDBPath(path string) Option {
	return func(o *resolvedOptions) { o.dbPath = path }
}

// WithEndpoint sets the remote collector base URL and API key
// (MIRU_ENDPOINT / MIRU_API_KEY env vars). With no endpoint the agent
// runs local-only: spans and metrics persist for the dashboard but
// nothing ships.
func WithEndpoint(endpoint, apiKey string) Option {
	return func(o *resolvedOptions) {
		o.endpoint = endpoint
		o.apiKey = apiKey
	}
}

// WithFlushInterval overrides the flush tick period (MIRU_FLUSH_INTERVAL).
func WithFlushInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.flushInterval = d }
}

// WithRetention overrides span retention and the stored-span cap
// (MIRU_SPAN_RETENTION / MIRU_MAX_SPANS).
func WithRetention(retention time.Duration, maxSpans int64) Option {
	return func(o *resolvedOptions) {
		o.spanRetention = retention
		o.maxSpans = maxSpans
	}
}

// WithViewRoot sets the application's template root so view metric
// targets are reported as relative paths (MIRU_VIEW_ROOT).
func WithViewRoot(root string) Option {
	return func(o *resolvedOptions) { o.viewRoot = root }
}

// WithHTTPClient replaces the submission HTTP client. Useful for tests
// and for hosts with proxy requirements.
func WithHTTPClient(c *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = c }
}

// WithLogger sets the structured logger for the Agent.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported to the collector.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
