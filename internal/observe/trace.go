package observe

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the duplex tracer.
const tracerName = "github.com/MrWong99/duplex"

// Span attribute keys for conversation sessions.
const (
	KeyMode     = attribute.Key("duplex.mode")
	KeyProvider = attribute.Key("duplex.provider")
	KeyGen      = attribute.Key("duplex.session.gen")
	KeyOutcome  = attribute.Key("duplex.session.outcome")
)

// SpanConnect is the name of the span covering a session's connect phase,
// from Start until the transport reports connected or the attempt ends.
const SpanConnect = "session.connect"

// Tracer returns the duplex tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the duplex tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartConnectSpan starts the [SpanConnect] span of session generation gen.
func StartConnectSpan(ctx context.Context, mode, provider string, gen uint64) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanConnect,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			KeyMode.String(mode),
			KeyProvider.String(provider),
			KeyGen.Int64(int64(gen)),
		),
	)
}

// EndConnectSpan records outcome on span and ends it. A nil err marks the
// span Ok. A stop while connecting is not an error.
func EndConnectSpan(span trace.Span, outcome string, err error) {
	span.SetAttributes(KeyOutcome.String(outcome))
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, context.Canceled) || outcome == OutcomeStopped:
		span.AddEvent("stopped")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the trace ID of the span in ctx, or "" without one.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger carrying the trace_id and span_id of
// the span in ctx, if any.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if attrs := traceAttrs(ctx); len(attrs) > 0 {
		args := make([]any, len(attrs))
		for i, a := range attrs {
			args[i] = a
		}
		l = l.With(args...)
	}
	return l
}

// TraceHandler is a [slog.Handler] that adds trace_id and span_id to every
// record logged with a context holding a span.
type TraceHandler struct {
	slog.Handler
}

// NewTraceHandler wraps h.
func NewTraceHandler(h slog.Handler) *TraceHandler {
	return &TraceHandler{Handler: h}
}

// Handle implements [slog.Handler].
func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := traceAttrs(ctx); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements [slog.Handler].
func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements [slog.Handler].
func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{Handler: h.Handler.WithGroup(name)}
}

func traceAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return nil
	}
	return []slog.Attr{
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	}
}
