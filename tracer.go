package ensemble

import "context"

// Tracer creates spans for turn, selection, tool, and synthesis operations.
// The observer package provides an OTEL-backed implementation. A nil Tracer
// disables tracing; callers nil-check before starting spans.
type Tracer interface {
	// Start creates a span. Callers must call Span.End() when done.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is a traced operation.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	// Event records a named annotation on the span timeline.
	Event(name string, attrs ...SpanAttr)
	// Error records an error and marks the span failed.
	Error(err error)
	End()
}

// SpanAttr is a key-value attribute on a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr    { return SpanAttr{Key: k, Value: v} }
func IntAttr(k string, v int) SpanAttr   { return SpanAttr{Key: k, Value: v} }
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }
