package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/decisions"

// Span names of the dispatch pipeline.
const (
	SpanUtterance  = "dispatch.utterance"
	SpanAgentReply = "dispatch.agent_reply"
)

// Attribute keys recorded on dispatch spans.
const (
	AttrUtteranceID = attribute.Key("utterance.id")
	AttrMode        = attribute.Key("dispatch.mode")
	AttrOutcome     = attribute.Key("dispatch.outcome")
	AttrReason      = attribute.Key("dispatch.reason")
	AttrCommand     = attribute.Key("dispatch.command")
	AttrPersona     = attribute.Key("dispatch.persona")
)

// Tracer returns the tracer of the globally registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartUtterance starts the span covering the resolution of one final
// utterance heard in mode.
func StartUtterance(ctx context.Context, utteranceID, mode string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanUtterance, trace.WithAttributes(
		AttrUtteranceID.String(utteranceID),
		AttrMode.String(mode),
	))
}

// StartAgentReply starts the span covering the settlement of an agent reply
// to utteranceID.
func StartAgentReply(ctx context.Context, utteranceID, persona string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanAgentReply, trace.WithAttributes(
		AttrUtteranceID.String(utteranceID),
		AttrPersona.String(persona),
	))
}

// Decision is what the dispatcher made of an utterance.
type Decision struct {
	Outcome string
	Reason  string
	Command string
	Persona string
	Detail  string
}

// Decide records d on span. Empty fields are left out. A "failed" outcome
// sets the span status to Error with the detail as description.
func Decide(span trace.Span, d Decision) {
	attrs := []attribute.KeyValue{AttrOutcome.String(d.Outcome)}
	if d.Reason != "" {
		attrs = append(attrs, AttrReason.String(d.Reason))
	}
	if d.Command != "" {
		attrs = append(attrs, AttrCommand.String(d.Command))
	}
	if d.Persona != "" {
		attrs = append(attrs, AttrPersona.String(d.Persona))
	}
	span.SetAttributes(attrs...)
	if d.Outcome == "failed" {
		span.SetStatus(codes.Error, d.Detail)
	}
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// The HTTP middleware echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id attached when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
