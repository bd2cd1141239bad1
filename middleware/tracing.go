package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/helixchat/replica/worker"
)

// tracerName is the instrumentation scope name for replica tracing.
const tracerName = "github.com/helixchat/replica"

// Tracing returns middleware that wraps command handling in an
// OpenTelemetry span. If no TracerProvider is configured globally, the
// default noop tracer is used and this middleware becomes a pass-through
// with zero overhead.
//
// Span attributes include: replica.command.id, replica.command.type,
// replica.target_worker, replica.retry_count. On error, the span status
// is set to codes.Error with the error message.
func Tracing() worker.Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing.
func TracingWithTracer(tracer trace.Tracer) worker.Middleware {
	return func(next worker.Handler) worker.Handler {
		return func(ctx context.Context, cmd worker.Command) error {
			ctx, span := tracer.Start(ctx, "replica.command.dispatch",
				trace.WithAttributes(
					attribute.String("replica.command.id", cmd.CommandID.String()),
					attribute.String("replica.command.type", cmd.CommandType),
					attribute.String("replica.target_worker", cmd.TargetWorkerID),
					attribute.Int("replica.retry_count", cmd.RetryCount),
				),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			err := next(ctx, cmd)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}

			return err
		}
	}
}
