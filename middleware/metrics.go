package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for escrow metrics.
const meterName = "github.com/xraph/escrow"

// Metrics returns middleware that records per-operation metrics using the
// global OTel MeterProvider.
//
// Instruments:
//   - escrow.operation.duration (Float64Histogram): seconds, with
//     attributes op, entity_type, outcome
//   - escrow.operation.count (Int64Counter): with the same attributes
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"escrow.operation.duration",
		metric.WithDescription("Duration of engine operations in seconds"),
		metric.WithUnit("s"),
	)
	count, _ := meter.Int64Counter(
		"escrow.operation.count",
		metric.WithDescription("Total number of engine operations"),
		metric.WithUnit("{operation}"),
	)

	return func(ctx context.Context, op *Op, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		attrs := metric.WithAttributes(
			attribute.String("op", op.Name),
			attribute.String("entity_type", op.Key.Kind.String()),
			attribute.String("outcome", Outcome(err)),
		)
		duration.Record(ctx, elapsed, attrs)
		count.Add(ctx, 1, attrs)

		return err
	}
}
