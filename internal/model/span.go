package model

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// SpanKind represents the OTEL span kind.
type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindClient   SpanKind = "client"
	SpanKindServer   SpanKind = "server"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// SpanStatus represents the OTEL span status.
type SpanStatus string

const (
	SpanStatusOK    SpanStatus = "ok"
	SpanStatusError SpanStatus = "error"
	SpanStatusUnset SpanStatus = "unset"
)

// Span is a persisted trace entry. Written once at span completion,
// never mutated, eventually removed by pruning.
type Span struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	Kind           SpanKind   `json:"kind"`
	TraceID        string     `json:"trace_id"`
	SpanID         string     `json:"span_id"`
	ParentSpanID   *string    `json:"parent_span_id,omitempty"` // nil = root
	Status         SpanStatus `json:"status"`
	StartTime      int64      `json:"start_time"` // nanoseconds since epoch
	EndTime        int64      `json:"end_time"`   // nanoseconds since epoch
	EventCount     int        `json:"event_count"`
	LinkCount      int        `json:"link_count"`
	AttributeCount int        `json:"attribute_count"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Populated by read queries, not by inserts.
	Properties []Property `json:"properties,omitempty"`
	Events     []Event    `json:"events,omitempty"`
}

// Duration returns the span's wall-clock duration.
func (s Span) Duration() time.Duration {
	return time.Duration(s.EndTime - s.StartTime)
}

// Event is a timestamped occurrence recorded inside a span.
type Event struct {
	ID        int64     `json:"id"`
	SpanRowID int64     `json:"span_row_id"`
	Name      string    `json:"name"`
	Timestamp int64     `json:"timestamp"` // nanoseconds since epoch
	CreatedAt time.Time `json:"created_at"`

	Properties []Property `json:"properties,omitempty"`
}

// FinishedSpan is the completed-span shape handed to the agent by the
// instrumentation layer. The agent persists it and classifies it into a
// metric observation; it never produces spans itself.
type FinishedSpan struct {
	Name         string
	Kind         SpanKind
	Status       SpanStatus
	TraceID      trace.TraceID
	SpanID       trace.SpanID
	ParentSpanID trace.SpanID // zero value = no parent
	StartTime    int64        // nanoseconds since epoch
	EndTime      int64        // nanoseconds since epoch
	Attributes   map[string]any
	Events       []FinishedEvent
}

// FinishedEvent is a child event on a FinishedSpan.
type FinishedEvent struct {
	Name       string
	Timestamp  int64 // nanoseconds since epoch
	Attributes map[string]any
}

// IsRoot reports whether the span has no parent. The all-zero span id is
// the reserved "no parent" sentinel.
func (s FinishedSpan) IsRoot() bool {
	return !s.ParentSpanID.IsValid()
}

// Duration returns the span's wall-clock duration. Negative deltas are
// clamped to zero so a malformed producer timestamp cannot poison
// aggregate sums.
func (s FinishedSpan) Duration() time.Duration {
	d := s.EndTime - s.StartTime
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// DurationMS returns the integer-truncated millisecond duration.
// Sub-millisecond spans report 0; that is the measurement floor.
func (s FinishedSpan) DurationMS() int64 {
	return s.Duration().Milliseconds()
}

// Attr returns the named attribute, or nil when absent.
func (s FinishedSpan) Attr(key string) any {
	if s.Attributes == nil {
		return nil
	}
	return s.Attributes[key]
}

// StrAttr returns the named attribute as a string. Non-string values and
// absent keys return "".
func (s FinishedSpan) StrAttr(key string) string {
	v, _ := s.Attr(key).(string)
	return v
}

// IntAttr returns the named attribute coerced to int64. Returns (0, false)
// when the key is absent or not numeric.
func (s FinishedSpan) IntAttr(key string) (int64, bool) {
	switch v := s.Attr(key).(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// BoolAttr returns the named attribute as a bool. Returns (false, false)
// when the key is absent or not boolean.
func (s FinishedSpan) BoolAttr(key string) (bool, bool) {
	v, ok := s.Attr(key).(bool)
	return v, ok
}
