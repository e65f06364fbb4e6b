package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kaiwa-lab/kaiwa"

// Tracer returns the kaiwa tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

type sessionKey struct{}

// WithSessionID tags ctx with a conversation session ID. [Logger] adds it
// to every record.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session ID set by [WithSessionID], or "".
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// StartSession opens the root span of one conversation session and tags the
// returned context with id. The span covers the live part of the session;
// evaluation spans started from the context become its children.
func StartSession(ctx context.Context, id, scenario string) (context.Context, trace.Span) {
	ctx = WithSessionID(ctx, id)
	return StartSpan(ctx, "conversation.session",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("session.scenario", scenario),
		),
	)
}

// EndSession records why the session ended and ends its span.
func EndSession(span trace.Span, reason string, turns int) {
	span.SetAttributes(
		attribute.String("session.end_reason", reason),
		attribute.Int("session.turns", turns),
	)
	span.End()
}

// StartPhase opens a span for one evaluation phase.
func StartPhase(ctx context.Context, phase string) (context.Context, trace.Span) {
	return StartSpan(ctx, "evaluation."+phase, trace.WithAttributes(attribute.String("evaluation.phase", phase)))
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "". The control
// surface returns it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the session ID and the trace and
// span IDs found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := SessionID(ctx); id != "" {
		l = l.With(slog.String("session_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
