package middleware

import (
	"context"
	"time"

	"github.com/helixchat/replica/worker"
)

// Timeout returns middleware that enforces a per-command deadline. When
// the deadline is exceeded the context is cancelled and the handler
// should return context.DeadlineExceeded.
func Timeout(d time.Duration) worker.Middleware {
	return func(next worker.Handler) worker.Handler {
		return func(ctx context.Context, cmd worker.Command) error {
			if d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}
			return next(ctx, cmd)
		}
	}
}
