// Package otelspan provides the span-start idiom used across AEGIS's
// blocking calls (KV check, time-series write/query, backend forward):
// only start a child span when the parent is actually recording, and
// always record errors and set attributes before ending.
package otelspan

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartIfRecording starts a span named name under tracer only if the
// context's current span is recording, avoiding span allocation on the
// (common) unsampled path. The returned end func must always be called.
func StartIfRecording(ctx context.Context, tracer trace.Tracer, name string) (context.Context, func(err error)) {
	root := trace.SpanFromContext(ctx)
	if !root.IsRecording() {
		return ctx, func(error) {}
	}

	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}
