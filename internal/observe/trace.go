package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the dictado tracer.
const tracerName = "github.com/MrWong99/dictado"

// SessionIDKey is the span attribute holding the recording session ID.
const SessionIDKey = attribute.Key("dictado.session.id")

type sessionKey struct{}

// WithSession tags ctx with a recording session (or batch run) ID. Spans
// started with [StartSpan] and loggers returned by [Logger] carry it.
func WithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the ID attached by [WithSession], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// Tracer returns the dictado tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. When ctx belongs to a recording
// session the span is tagged with [SessionIDKey]. The caller must end the
// span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SessionID(ctx); id != "" {
		opts = append(opts[:len(opts):len(opts)], trace.WithAttributes(SessionIDKey.String(id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the ID that ties the log lines and results of one
// unit of work together: the session ID when ctx carries one, otherwise the
// trace ID of the active span. Returns "" when neither exists.
func CorrelationID(ctx context.Context) string {
	if id := SessionID(ctx); id != "" {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with session_id, trace_id and
// span_id where ctx provides them.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	var attrs []any
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}
