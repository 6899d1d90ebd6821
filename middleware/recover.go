package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/herald/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace, so a
// panicking handler is retried like any other failed attempt.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) (retErr error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("job handler panicked",
					slog.String("category", r.Category),
					slog.String("job_id", r.ID),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in job %s: %v", r.ID, p)
			}
		}()
		return next(ctx)
	}
}
