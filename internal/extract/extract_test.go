package extract_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/miru-obs/miru/internal/extract"
	"github.com/miru-obs/miru/internal/model"
)

var (
	testTraceID = trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	testSpanID  = trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8}
	parentID    = trace.SpanID{9, 9, 9, 9, 9, 9, 9, 9}

	spanStart = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
)

// finishedSpan builds a span with a 100ms duration and the given shape.
func finishedSpan(name string, kind model.SpanKind, root bool, attrs map[string]any) model.FinishedSpan {
	s := model.FinishedSpan{
		Name:       name,
		Kind:       kind,
		Status:     model.SpanStatusOK,
		TraceID:    testTraceID,
		SpanID:     testSpanID,
		StartTime:  spanStart.UnixNano(),
		EndTime:    spanStart.Add(100 * time.Millisecond).UnixNano(),
		Attributes: attrs,
	}
	if !root {
		s.ParentSpanID = parentID
	}
	return s
}

func TestWebRootServerSpan(t *testing.T) {
	span := finishedSpan("GET /orders/:id", model.SpanKindServer, true, map[string]any{
		"http.request.method":       "get",
		"http.route":                "/orders/:id",
		"http.response.status_code": 200,
	})

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)

	assert.Equal(t, "web", obs.Key.Namespace)
	assert.Equal(t, "/orders/:id", obs.Key.Target)
	assert.Equal(t, "GET", obs.Key.Operation)
	assert.Equal(t, spanStart.Truncate(time.Minute), obs.Key.Bucket)
	assert.Equal(t, int64(100), obs.DurationMS)
	assert.False(t, obs.Error)
}

func TestWebFallbackTargetAndError(t *testing.T) {
	span := finishedSpan("request", model.SpanKindServer, true, map[string]any{
		"http.request.method":       "POST",
		"http.response.status_code": 503,
	})

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)
	assert.Equal(t, "rack", obs.Key.Target)
	assert.True(t, obs.Error, "5xx must flag an error")
}

func TestWebStatusBelow500IsNotError(t *testing.T) {
	span := finishedSpan("request", model.SpanKindServer, true, map[string]any{
		"http.request.method":       "GET",
		"http.response.status_code": 404,
	})

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)
	assert.False(t, obs.Error)
}

func TestBackgroundConsumerSpan(t *testing.T) {
	span := finishedSpan("InvoiceMailerJob perform", model.SpanKindConsumer, true, map[string]any{
		"messaging.system":           "sidekiq",
		"code.namespace":             "InvoiceMailerJob",
		"code.function":              "perform",
		"messaging.destination.name": "mailers",
	})
	span.Status = model.SpanStatusError

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)

	assert.Equal(t, "background", obs.Key.Namespace)
	assert.Equal(t, "sidekiq", obs.Key.Service)
	assert.Equal(t, "InvoiceMailerJob", obs.Key.Target)
	assert.Equal(t, "perform", obs.Key.Operation)
	assert.True(t, obs.Error, "error status must flag background errors")
}

func TestBackgroundServiceInferredFromName(t *testing.T) {
	tests := []struct {
		name    string
		service string
	}{
		{"Sidekiq/ProcessWebhook", "sidekiq"},
		{"ActiveJob enqueue", "activejob"},
		{"nightly-batch", "background"},
	}
	for _, tc := range tests {
		span := finishedSpan(tc.name, model.SpanKindConsumer, true, nil)

		var e extract.Extractor
		obs, ok := e.Extract(span)
		require.True(t, ok, tc.name)
		assert.Equal(t, tc.service, obs.Key.Service, tc.name)
		assert.Equal(t, "unknown", obs.Key.Target, tc.name)
		assert.Equal(t, tc.name, obs.Key.Operation, "operation falls back to the span name")
	}
}

func TestDatabaseSQLSpan(t *testing.T) {
	span := finishedSpan("SELECT users", model.SpanKindClient, false, map[string]any{
		"db.system":    "postgresql",
		"db.statement": "select * from users where id = $1",
	})

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)

	assert.Equal(t, "database", obs.Key.Namespace)
	assert.Equal(t, "postgresql", obs.Key.Service)
	assert.Equal(t, "unknown", obs.Key.Target, "no table attribute")
	assert.Equal(t, "SELECT", obs.Key.Operation, "first statement token, uppercased")
}

func TestDatabaseSpanPrefersExplicitAttributes(t *testing.T) {
	span := finishedSpan("query", model.SpanKindInternal, false, map[string]any{
		"db.system":    "mysql",
		"db.sql.table": "orders",
		"db.operation": "insert",
	})

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)
	assert.Equal(t, "orders", obs.Key.Target)
	assert.Equal(t, "INSERT", obs.Key.Operation)
}

func TestDatabaseRedisSpan(t *testing.T) {
	span := finishedSpan("GET", model.SpanKindClient, false, map[string]any{
		"db.system":               "redis",
		"db.statement":            "GET session:42",
		"db.redis.database_index": 3,
	})

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)
	assert.Equal(t, "redis", obs.Key.Service)
	assert.Equal(t, "db3", obs.Key.Target)
	assert.Equal(t, "get", obs.Key.Operation, "redis commands are lowercased")
}

func TestHTTPClientSpan(t *testing.T) {
	span := finishedSpan("HTTP GET", model.SpanKindClient, false, map[string]any{
		"http.request.method":       "get",
		"server.address":            "API.Stripe.com",
		"url.path":                  "/v1/charges/12345",
		"http.response.status_code": 502,
	})

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)

	assert.Equal(t, "http-client", obs.Key.Namespace)
	assert.Equal(t, "api.stripe.com", obs.Key.Service)
	assert.Equal(t, "/v1/charges/:id", obs.Key.Target)
	assert.Equal(t, "GET", obs.Key.Operation)
	assert.True(t, obs.Error)
}

func TestHTTPClientHostAndPathFromURL(t *testing.T) {
	span := finishedSpan("HTTP POST", model.SpanKindClient, false, map[string]any{
		"http.request.method": "POST",
		"url.full":            "https://user@Example.COM:8443/hooks/abc?x=1",
	})

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)
	assert.Equal(t, "example.com", obs.Key.Service)
	assert.Equal(t, "/hooks/abc", obs.Key.Target)
}

func TestCacheSpanHitMissSplit(t *testing.T) {
	tests := []struct {
		name string
		hit  any
		op   string
	}{
		{"cache_read.active_support", true, "read.hit"},
		{"cache_read.active_support", false, "read.miss"},
		{"cache_exist?.active_support", true, "exist?.hit"},
		{"cache_write.active_support", nil, "write"},
		{"cache_fetch_hit.active_support", nil, "fetch_hit"},
	}
	for _, tc := range tests {
		attrs := map[string]any{"cache.store": "ActiveSupport::Cache::RedisCacheStore"}
		if tc.hit != nil {
			attrs["cache.hit"] = tc.hit
		}
		span := finishedSpan(tc.name, model.SpanKindInternal, false, attrs)

		var e extract.Extractor
		obs, ok := e.Extract(span)
		require.True(t, ok, tc.name)
		assert.Equal(t, "cache", obs.Key.Namespace)
		assert.Equal(t, "redis", obs.Key.Service)
		assert.Equal(t, tc.op, obs.Key.Operation, tc.name)
		assert.Equal(t, tc.op, obs.Key.Target, "target mirrors the operation")
	}
}

func TestCacheStoreNameFallback(t *testing.T) {
	span := finishedSpan("cache_write.active_support", model.SpanKindInternal, false, map[string]any{
		"cache.store": "MyCompany::TieredStore",
	})

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)
	assert.Equal(t, "tiered", obs.Key.Service)
}

func TestViewSpan(t *testing.T) {
	e := extract.Extractor{ViewRoot: "/app/views"}
	span := finishedSpan("render_partial.action_view", model.SpanKindInternal, false, map[string]any{
		"view.identifier": "/app/views/orders/_line_item.html.erb",
	})

	obs, ok := e.Extract(span)
	require.True(t, ok)
	assert.Equal(t, "view", obs.Key.Namespace)
	assert.Equal(t, "orders/_line_item.html.erb", obs.Key.Target)
	assert.Equal(t, "partial", obs.Key.Operation)
}

func TestViewTargetFallsBackToFilename(t *testing.T) {
	var e extract.Extractor // no view root configured
	span := finishedSpan("render_template.action_view", model.SpanKindInternal, false, map[string]any{
		"view.identifier": "/somewhere/else/show.html.erb",
	})

	obs, ok := e.Extract(span)
	require.True(t, ok)
	assert.Equal(t, "show.html.erb", obs.Key.Target)
}

// TestClassificationOrder verifies first-match-wins: a root server span
// carrying db attributes is web, not database.
func TestClassificationOrder(t *testing.T) {
	span := finishedSpan("GET /health", model.SpanKindServer, true, map[string]any{
		"http.request.method": "GET",
		"db.system":           "postgresql",
	})

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)
	assert.Equal(t, "web", obs.Key.Namespace)
}

func TestUnclassifiedSpanEmitsNothing(t *testing.T) {
	span := finishedSpan("some_internal_step", model.SpanKindInternal, false, nil)

	var e extract.Extractor
	_, ok := e.Extract(span)
	assert.False(t, ok)
}

func TestSubMillisecondDurationReportsZero(t *testing.T) {
	span := finishedSpan("GET /ping", model.SpanKindServer, true, map[string]any{
		"http.request.method": "GET",
	})
	span.EndTime = span.StartTime + int64(700*time.Microsecond)

	var e extract.Extractor
	obs, ok := e.Extract(span)
	require.True(t, ok)
	assert.Equal(t, int64(0), obs.DurationMS, "sub-millisecond spans report the measurement floor")
}
