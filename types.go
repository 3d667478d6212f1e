package miru

import (
	"go.opentelemetry.io/otel/trace"
)

// SpanKind mirrors the OTEL span kind of a finished span.
type SpanKind string

const (
	SpanKindInternal SpanKind = "internal"
	SpanKindClient   SpanKind = "client"
	SpanKindServer   SpanKind = "server"
	SpanKindProducer SpanKind = "producer"
	SpanKindConsumer SpanKind = "consumer"
)

// SpanStatus mirrors the OTEL span status of a finished span.
type SpanStatus string

const (
	StatusOK    SpanStatus = "ok"
	StatusError SpanStatus = "error"
	StatusUnset SpanStatus = "unset"
)

// FinishedSpan is the input contract between the host's instrumentation
// layer and the agent: a completed span with its attribute bag and child
// events. The agent never produces spans; this is the only way data
// enters the pipeline.
//
// ParentSpanID's zero value (the all-zero span id) means "no parent" —
// the span is a trace root.
type FinishedSpan struct {
	Name         string
	Kind         SpanKind
	Status       SpanStatus
	TraceID      trace.TraceID
	SpanID       trace.SpanID
	ParentSpanID trace.SpanID
	StartTime    int64 // nanoseconds since epoch
	EndTime      int64 // nanoseconds since epoch
	Attributes   map[string]any
	Events       []SpanEvent
}

// SpanEvent is a child event on a FinishedSpan.
type SpanEvent struct {
	Name       string
	Timestamp  int64 // nanoseconds since epoch
	Attributes map[string]any
}
