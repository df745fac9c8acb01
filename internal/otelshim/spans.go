package otelshim

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for orchestrake spans.
var (
	AttrProjectID   = attribute.Key("orchestrake.project.id")
	AttrRequestID   = attribute.Key("orchestrake.request.id")
	AttrTaskID      = attribute.Key("orchestrake.task.id")
	AttrModel       = attribute.Key("orchestrake.llm.model")
	AttrBrokerState = attribute.Key("orchestrake.broker.state")
	AttrProbeID     = attribute.Key("orchestrake.monitor.probe_id")
	AttrBreaker     = attribute.Key("orchestrake.recovery.breaker")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (the scheduler's enqueue path).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (the broker's LLM CLI invocation).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
