package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for Hopper spans.
var (
	AttrTaskID       = attribute.Key("hopper.task.id")
	AttrInstanceID   = attribute.Key("hopper.instance.id")
	AttrScope        = attribute.Key("hopper.instance.scope")
	AttrStrategy     = attribute.Key("hopper.routing.strategy")
	AttrDelegationID = attribute.Key("hopper.delegation.id")
	AttrPatternID    = attribute.Key("hopper.pattern.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
