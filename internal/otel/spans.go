package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span names.
const (
	SpanRoute    = "router.route"
	SpanDispatch = "switchboard.dispatch"
	SpanFanout   = "switchboard.fanout"
	SpanReplay   = "switchboard.deadletter.replay"
	SpanOperator = "switchboard.operator"
)

// Standard attribute keys for switchboard spans.
var (
	AttrTargetButler = attribute.Key("switchboard.target_butler")
	AttrSourceButler = attribute.Key("switchboard.source_butler")
	AttrToolName     = attribute.Key("switchboard.tool.name")
	AttrRequestID    = attribute.Key("request_id")
	AttrSegmentID    = attribute.Key("segment_id")
	AttrFanoutMode   = attribute.Key("fanout_mode")
	AttrAttempt      = attribute.Key("attempt")
	AttrJoinPolicy   = attribute.Key("switchboard.join_policy")
	AttrAbortPolicy  = attribute.Key("switchboard.abort_policy")
	AttrTargets      = attribute.Key("switchboard.targets")
	AttrDeadLetterID = attribute.Key("switchboard.dead_letter_id")
	AttrAction       = attribute.Key("switchboard.operator.action")
	AttrOutcome      = attribute.Key("switchboard.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound butler call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Propagator is the W3C trace-context + baggage propagator used for
// dispatch metadata. It does not depend on the global otel state.
var Propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// InjectTraceContext serialises the span context in ctx into a W3C carrier
// map (traceparent / tracestate / baggage).
func InjectTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	Propagator.Inject(ctx, carrier)
	return carrier
}

// ExtractTraceContext restores a span context previously injected into carrier.
func ExtractTraceContext(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return Propagator.Extract(ctx, propagation.MapCarrier(carrier))
}
