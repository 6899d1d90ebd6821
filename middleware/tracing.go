package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/herald/job"
)

// tracerName is the instrumentation scope name for herald tracing.
const tracerName = "github.com/xraph/herald"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through.
//
// Span attributes include: herald.job.id, herald.category, herald.attempt,
// herald.max_attempts and herald.owner.
// On error, the span status is set to codes.Error with the error message.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		ctx, span := tracer.Start(ctx, "herald.job.execute",
			trace.WithAttributes(
				attribute.String("herald.job.id", r.ID),
				attribute.String("herald.category", r.Category),
				attribute.Int("herald.attempt", r.AttemptsMade+1),
				attribute.Int("herald.max_attempts", r.MaxAttempts),
				attribute.String("herald.owner", r.Owner),
			),
			trace.WithSpanKind(trace.SpanKindConsumer),
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
