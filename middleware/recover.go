package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/helixchat/replica/worker"
)

// Recover returns middleware that recovers from panics in the handler
// chain. Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) worker.Middleware {
	return func(next worker.Handler) worker.Handler {
		return func(ctx context.Context, cmd worker.Command) (retErr error) {
			defer func() {
				if r := recover(); r != nil {
					stack := string(debug.Stack())
					logger.Error("command handler panicked",
						slog.String("command_type", cmd.CommandType),
						slog.String("command_id", cmd.CommandID.String()),
						slog.Any("panic", r),
						slog.String("stack", stack),
					)
					retErr = fmt.Errorf("panic in %s handler: %v", cmd.CommandType, r)
				}
			}()
			return next(ctx, cmd)
		}
	}
}
