package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/herald/job"
)

// instrumentationName is the scope name for herald tracing and metrics.
const instrumentationName = "github.com/xraph/herald"

// Tracing returns middleware that wraps each attempt in a span using the
// global TracerProvider.
//
// Span attributes: herald.job.id, herald.category, herald.priority,
// herald.attempt.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(instrumentationName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) error {
		ctx, span := tracer.Start(ctx, "herald.deliver",
			trace.WithAttributes(
				attribute.String("herald.job.id", j.ID.String()),
				attribute.String("herald.category", string(j.Category)),
				attribute.String("herald.priority", string(j.Priority)),
				attribute.Int("herald.attempt", j.Attempts),
			),
			trace.WithSpanKind(trace.SpanKindClient),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
