// Package extract classifies finished spans into metric observations.
//
// Classification is a fixed, ordered chain of predicates; the first match
// wins and a span matching nothing emits no observation. The chain is
// total: every span either maps to exactly one category or is dropped.
package extract

import (
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/miru-obs/miru/internal/metrics"
	"github.com/miru-obs/miru/internal/model"
)

// Metric namespaces, one per classification category.
const (
	NamespaceWeb        = "web"
	NamespaceBackground = "background"
	NamespaceDatabase   = "database"
	NamespaceHTTPClient = "http-client"
	NamespaceCache      = "cache"
	NamespaceView       = "view"
)

// Attribute names follow OTEL semantic conventions where one exists.
// Lookups run against the producer's untyped attribute bag, so these are
// plain string keys. Legacy names are checked as fallbacks because
// instrumentation layers predating semconv 1.23 still emit them.
const (
	attrDBSystem     = "db.system"
	attrDBStatement  = "db.statement"
	attrDBOperation  = "db.operation"
	attrDBSQLTable   = "db.sql.table"
	attrDBName       = "db.name"
	attrDBRedisIndex = "db.redis.database_index"

	attrHTTPMethod       = "http.request.method"
	attrHTTPMethodLegacy = "http.method"
	attrHTTPStatus       = "http.response.status_code"
	attrHTTPStatusLegacy = "http.status_code"
	attrHTTPRoute        = "http.route"
	attrServerAddress    = "server.address"
	attrURLFull          = "url.full"
	attrURLPath          = "url.path"

	attrMessagingSystem      = "messaging.system"
	attrMessagingDestination = "messaging.destination.name"
	attrCodeNamespace        = "code.namespace"
	attrCodeFunction         = "code.function"

	attrCacheStore = "cache.store"
	attrCacheHit   = "cache.hit"

	attrViewIdentifier = "view.identifier"
)

// Span-name conventions for notification-style instrumentation.
const (
	cacheNamePrefix  = "cache_"
	renderNamePrefix = "render_"
)

// Observation is the output of classifying one finished span: at most one
// per span.
type Observation struct {
	Key        metrics.Key
	DurationMS int64
	Error      bool
}

// Extractor turns finished spans into metric observations. The zero
// value is usable; ViewRoot improves view target paths when set.
type Extractor struct {
	// ViewRoot is the absolute path of the application's template
	// directory. View targets are reported relative to it.
	ViewRoot string
}

type classifier func(model.FinishedSpan) (Observation, bool)

// Extract classifies span. The boolean is false when the span matches no
// category. Classification order is load-bearing: a root server span
// carrying a db.system attribute is web, not database.
func (e *Extractor) Extract(span model.FinishedSpan) (Observation, bool) {
	chain := []classifier{
		e.web,
		e.background,
		e.database,
		e.httpClient,
		e.cache,
		e.view,
	}
	for _, fn := range chain {
		if obs, ok := fn(span); ok {
			return obs, true
		}
	}
	return Observation{}, false
}

func (e *Extractor) key(span model.FinishedSpan, namespace, service, target, operation string) metrics.Key {
	return metrics.NewKey(time.Unix(0, span.StartTime), namespace, service, target, operation)
}

// web: root span of kind server. Target is the route (fallback
// controller#action, then "rack"); operation is the HTTP method; error
// when the response status is 5xx.
func (e *Extractor) web(span model.FinishedSpan) (Observation, bool) {
	if !span.IsRoot() || span.Kind != model.SpanKindServer {
		return Observation{}, false
	}

	target := span.StrAttr(attrHTTPRoute)
	if target == "" {
		if ns := span.StrAttr(attrCodeNamespace); ns != "" {
			target = ns
			if fn := span.StrAttr(attrCodeFunction); fn != "" {
				target = ns + "#" + fn
			}
		}
	}
	if target == "" {
		target = "rack"
	}

	method := httpMethod(span)
	if method == "" {
		method = "unknown"
	}

	return Observation{
		Key:        e.key(span, NamespaceWeb, NamespaceWeb, target, strings.ToUpper(method)),
		DurationMS: span.DurationMS(),
		Error:      httpStatus(span) >= 500,
	}, true
}

// background: root span of kind consumer (job/queue consumer).
func (e *Extractor) background(span model.FinishedSpan) (Observation, bool) {
	if !span.IsRoot() || span.Kind != model.SpanKindConsumer {
		return Observation{}, false
	}

	service := span.StrAttr(attrMessagingSystem)
	if service == "" {
		switch {
		case strings.Contains(strings.ToLower(span.Name), "sidekiq"):
			service = "sidekiq"
		case strings.Contains(span.Name, "ActiveJob"):
			service = "activejob"
		default:
			service = NamespaceBackground
		}
	}

	target := span.StrAttr(attrCodeNamespace)
	if target == "" {
		target = span.StrAttr(attrMessagingDestination)
	}
	if target == "" {
		target = "unknown"
	}

	operation := span.StrAttr(attrCodeFunction)
	if operation == "" {
		operation = span.Name
	}

	return Observation{
		Key:        e.key(span, NamespaceBackground, service, target, operation),
		DurationMS: span.DurationMS(),
		Error:      span.Status == model.SpanStatusError,
	}, true
}

// database: any span carrying a db.system attribute.
func (e *Extractor) database(span model.FinishedSpan) (Observation, bool) {
	system := span.StrAttr(attrDBSystem)
	if system == "" {
		return Observation{}, false
	}

	var target, operation string
	if system == "redis" {
		target = "default"
		if idx, ok := span.IntAttr(attrDBRedisIndex); ok {
			target = "db" + strconv.FormatInt(idx, 10)
		}
		operation = strings.ToLower(dbOperation(span))
		if operation == "" {
			operation = "command"
		}
	} else {
		target = span.StrAttr(attrDBSQLTable)
		if target == "" {
			target = span.StrAttr(attrDBName)
		}
		if target == "" {
			target = "unknown"
		}
		operation = strings.ToUpper(dbOperation(span))
		if operation == "" {
			operation = "query"
		}
	}

	return Observation{
		Key:        e.key(span, NamespaceDatabase, system, target, operation),
		DurationMS: span.DurationMS(),
		Error:      span.Status == model.SpanStatusError,
	}, true
}

// httpClient: span of kind client carrying an HTTP method attribute.
func (e *Extractor) httpClient(span model.FinishedSpan) (Observation, bool) {
	if span.Kind != model.SpanKindClient {
		return Observation{}, false
	}
	method := httpMethod(span)
	if method == "" {
		return Observation{}, false
	}

	host := strings.ToLower(span.StrAttr(attrServerAddress))
	path := span.StrAttr(attrURLPath)
	if host == "" || path == "" {
		if u, p, ok := splitURL(span.StrAttr(attrURLFull)); ok {
			if host == "" {
				host = u
			}
			if path == "" {
				path = p
			}
		}
	}
	if host == "" {
		host = "unknown"
	}

	return Observation{
		Key:        e.key(span, NamespaceHTTPClient, host, NormalizePath(path), strings.ToUpper(method)),
		DurationMS: span.DurationMS(),
		Error:      httpStatus(span) >= 500,
	}, true
}

// cache: span names following the cache_<op>.<framework> notification
// convention. Read and exist operations split into .hit/.miss variants.
func (e *Extractor) cache(span model.FinishedSpan) (Observation, bool) {
	op, ok := cacheOperation(span.Name)
	if !ok {
		return Observation{}, false
	}

	switch op {
	case "read", "exist?":
		if hit, present := span.BoolAttr(attrCacheHit); present {
			if hit {
				op += ".hit"
			} else {
				op += ".miss"
			}
		}
	case "fetch_hit":
		// Emitted only on hits; the name already carries the outcome.
	}

	return Observation{
		Key:        e.key(span, NamespaceCache, cacheStoreName(span.StrAttr(attrCacheStore)), op, op),
		DurationMS: span.DurationMS(),
		Error:      false,
	}, true
}

// view: span names following the render_<what>.<framework> convention.
func (e *Extractor) view(span model.FinishedSpan) (Observation, bool) {
	op, ok := renderOperation(span.Name)
	if !ok {
		return Observation{}, false
	}

	target := "unknown"
	if ident := span.StrAttr(attrViewIdentifier); ident != "" {
		if e.ViewRoot != "" {
			if rel, err := filepath.Rel(e.ViewRoot, ident); err == nil && !strings.HasPrefix(rel, "..") {
				target = rel
			} else {
				target = filepath.Base(ident)
			}
		} else {
			target = filepath.Base(ident)
		}
	}

	return Observation{
		Key:        e.key(span, NamespaceView, NamespaceView, target, op),
		DurationMS: span.DurationMS(),
		Error:      false,
	}, true
}

// ---- helpers ----

func httpMethod(span model.FinishedSpan) string {
	if m := span.StrAttr(attrHTTPMethod); m != "" {
		return m
	}
	return span.StrAttr(attrHTTPMethodLegacy)
}

func httpStatus(span model.FinishedSpan) int64 {
	if v, ok := span.IntAttr(attrHTTPStatus); ok {
		return v
	}
	if v, ok := span.IntAttr(attrHTTPStatusLegacy); ok {
		return v
	}
	return 0
}

// dbOperation prefers the explicit db.operation attribute, falling back
// to the first whitespace-delimited token of the statement.
func dbOperation(span model.FinishedSpan) string {
	if op := span.StrAttr(attrDBOperation); op != "" {
		return op
	}
	stmt := strings.TrimSpace(span.StrAttr(attrDBStatement))
	if stmt == "" {
		return ""
	}
	if i := strings.IndexFunc(stmt, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }); i > 0 {
		return stmt[:i]
	}
	return stmt
}

// splitURL extracts lowercased host and path from a full URL without a
// full parse; malformed values return ok=false and the span falls back
// to defaults.
func splitURL(raw string) (host, path string, ok bool) {
	if raw == "" {
		return "", "", false
	}
	rest := raw
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		host, path = rest[:i], rest[i:]
	} else {
		host, path = rest, "/"
	}
	if i := strings.Index(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return "", "", false
	}
	return strings.ToLower(host), path, true
}

// cacheOperation parses "cache_read.active_support" style names into the
// base operation. Only the known operations match; anything else is not
// a cache span.
func cacheOperation(name string) (string, bool) {
	if !strings.HasPrefix(name, cacheNamePrefix) {
		return "", false
	}
	op := strings.TrimPrefix(name, cacheNamePrefix)
	if i := strings.Index(op, "."); i >= 0 {
		op = op[:i]
	}
	switch op {
	case "read", "write", "delete", "exist?", "fetch_hit":
		return op, true
	}
	return "", false
}

// renderOperation parses "render_template.action_view" style names.
func renderOperation(name string) (string, bool) {
	if !strings.HasPrefix(name, renderNamePrefix) {
		return "", false
	}
	op := strings.TrimPrefix(name, renderNamePrefix)
	if i := strings.Index(op, "."); i >= 0 {
		op = op[:i]
	}
	switch op {
	case "template", "partial", "layout", "collection":
		return op, true
	}
	return "", false
}

// cacheStoreName maps a store class name to a short service name.
func cacheStoreName(class string) string {
	if class == "" {
		return "unknown"
	}
	lower := strings.ToLower(class)
	switch {
	case strings.Contains(lower, "solid_cache") || strings.Contains(lower, "solidcache"):
		return "solid_cache"
	case strings.Contains(lower, "redis"):
		return "redis"
	case strings.Contains(lower, "memcache"):
		return "memcached"
	case strings.Contains(lower, "file"):
		return "file"
	case strings.Contains(lower, "memory"):
		return "memory"
	case strings.Contains(lower, "null"):
		return "null"
	}
	// "ActiveSupport::Cache::MyCustomStore" → "mycustom".
	short := class
	if i := strings.LastIndex(short, "::"); i >= 0 {
		short = short[i+2:]
	}
	short = strings.TrimSuffix(short, "Store")
	short = strings.TrimSuffix(short, "Cache")
	short = strings.ToLower(short)
	if short == "" {
		return "unknown"
	}
	return short
}
