package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/helixchat/replica/worker"
)

// meterName is the instrumentation scope name for replica metrics.
const meterName = "github.com/helixchat/replica"

// Metrics returns middleware that records per-command dispatch metrics
// using the global OTel MeterProvider. If no MeterProvider is configured,
// noop instruments are used and this middleware becomes a pass-through.
//
// Instruments:
//   - replica.command.duration (Float64Histogram): handling time in
//     seconds, with attributes: command_type, target_worker, status
//   - replica.command.executions (Int64Counter): total dispatches,
//     with attributes: command_type, target_worker, status
func Metrics() worker.Middleware {
	meter := otel.Meter(meterName)
	return MetricsWithMeter(meter)
}

// MetricsWithMeter returns metrics middleware using the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func MetricsWithMeter(meter metric.Meter) worker.Middleware {
	// Create instruments once at middleware construction time. On error,
	// the API returns noop instruments so the middleware degrades
	// gracefully.
	duration, dErr := meter.Float64Histogram(
		"replica.command.duration",
		metric.WithDescription("Duration of command handling in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr // noop fallback guaranteed by OTel API contract

	executions, eErr := meter.Int64Counter(
		"replica.command.executions",
		metric.WithDescription("Total number of command dispatches"),
		metric.WithUnit("{dispatch}"),
	)
	_ = eErr // noop fallback guaranteed by OTel API contract

	return func(next worker.Handler) worker.Handler {
		return func(ctx context.Context, cmd worker.Command) error {
			start := time.Now()
			err := next(ctx, cmd)
			elapsed := time.Since(start).Seconds()

			status := "ok"
			if err != nil {
				status = "error"
			}

			attrs := metric.WithAttributes(
				attribute.String("command_type", cmd.CommandType),
				attribute.String("target_worker", cmd.TargetWorkerID),
				attribute.String("status", status),
			)

			duration.Record(ctx, elapsed, attrs)
			executions.Add(ctx, 1, attrs)

			return err
		}
	}
}
