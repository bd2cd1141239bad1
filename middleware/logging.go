package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/helixchat/replica/worker"
)

// Logging returns middleware that logs command dispatch and completion.
func Logging(logger *slog.Logger) worker.Middleware {
	return func(next worker.Handler) worker.Handler {
		return func(ctx context.Context, cmd worker.Command) error {
			logger.Info("command dispatched",
				slog.String("command_type", cmd.CommandType),
				slog.String("command_id", cmd.CommandID.String()),
				slog.String("target", cmd.TargetWorkerID),
			)

			start := time.Now()
			err := next(ctx, cmd)
			elapsed := time.Since(start)

			if err != nil {
				logger.Error("command failed",
					slog.String("command_type", cmd.CommandType),
					slog.String("command_id", cmd.CommandID.String()),
					slog.Duration("elapsed", elapsed),
					slog.String("error", err.Error()),
				)
			} else {
				logger.Info("command handled",
					slog.String("command_type", cmd.CommandType),
					slog.String("command_id", cmd.CommandID.String()),
					slog.Duration("elapsed", elapsed),
				)
			}

			return err
		}
	}
}
