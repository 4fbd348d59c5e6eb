package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for floorwatch spans.
var (
	AttrPass    = attribute.Key("floorwatch.pass")
	AttrCycleID = attribute.Key("floorwatch.cycle.id")
	AttrWatchID = attribute.Key("floorwatch.watch.id")
	AttrWatches = attribute.Key("floorwatch.watches")
	AttrRoute   = attribute.Key("floorwatch.http.route")
)

// Span names for the sync passes.
const (
	SpanValues    = "floorwatch.sync.values"
	SpanEvents    = "floorwatch.sync.events"
	SpanReconcile = "floorwatch.reconcile"
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
