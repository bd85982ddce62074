package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the voxlive tracer.
const tracerName = "github.com/MrWong99/voxlive"

// Span and event names.
const (
	SpanSessionConnect = "session.connect"
	EventCommand       = "bridge.command"
	EventSessionEnded  = "session.ended"
)

// Span attribute keys.
const (
	AttrVoice       = attribute.Key("voxlive.voice")
	AttrGeneration  = attribute.Key("voxlive.session.generation")
	AttrCommandType = attribute.Key("voxlive.command.type")
	AttrErrorKind   = attribute.Key("voxlive.error.kind")
)

// Tracer returns the voxlive tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartConnectSpan starts the span around one transport open. When ctx
// carries the /ws request span the connect span is its child.
func StartConnectSpan(ctx context.Context, voice string, gen uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanSessionConnect,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrVoice.String(voice),
			AttrGeneration.Int64(int64(gen)),
		),
	)
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// RecordCommand adds a bridge command event to the span active in ctx.
func RecordCommand(ctx context.Context, typ string) {
	trace.SpanFromContext(ctx).AddEvent(EventCommand, trace.WithAttributes(AttrCommandType.String(typ)))
}

// RecordSessionEnd adds the outcome of a session to the span active in ctx.
// kind is empty for a clean stop.
func RecordSessionEnd(ctx context.Context, gen uint64, kind string) {
	attrs := []attribute.KeyValue{AttrGeneration.Int64(int64(gen))}
	if kind != "" {
		attrs = append(attrs, AttrErrorKind.String(kind))
	}
	trace.SpanFromContext(ctx).AddEvent(EventSessionEnded, trace.WithAttributes(attrs...))
}

// CorrelationID returns the trace ID of the span in ctx, used as the
// X-Correlation-ID header and the trace_id log field. Empty without a span.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from ctx, or
// the default logger unchanged when ctx has no span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
