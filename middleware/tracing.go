package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for escrow tracing.
const tracerName = "github.com/xraph/escrow"

// Tracing returns middleware that wraps each operation in an OpenTelemetry
// span. If no TracerProvider is configured globally, the default noop
// tracer is used and this middleware becomes a pass-through.
//
// Span attributes include: escrow.op, escrow.entity_type, escrow.entity_id,
// escrow.new_status and escrow.outcome. Only unexpected failures set the
// span status to codes.Error; blocked and contended operations are normal
// outcomes.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, op *Op, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("escrow.op", op.Name),
			attribute.String("escrow.entity_type", op.Key.Kind.String()),
			attribute.String("escrow.entity_id", op.Key.ID),
		}
		if op.NewStatus != "" {
			attrs = append(attrs, attribute.String("escrow.new_status", op.NewStatus))
		}

		ctx, span := tracer.Start(ctx, "escrow."+op.Name,
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		outcome := Outcome(err)
		span.SetAttributes(attribute.String("escrow.outcome", outcome))

		switch outcome {
		case "ok":
			span.SetStatus(codes.Ok, "")
		case "error":
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		default:
			span.RecordError(err)
		}

		return err
	}
}
