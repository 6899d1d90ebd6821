package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/herald/job"
)

// Timeout returns middleware that bounds the handler by the job's lease.
// When the leased record carries a LeaseExpiresAt, the handler context
// is given that deadline: past it the lease may be reclaimed, so any
// further work would be discarded anyway.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		if r.LeaseExpiresAt != nil && !r.LeaseExpiresAt.IsZero() {
			logger.Debug("job deadline set",
				slog.String("job_id", r.ID),
				slog.Duration("remaining", time.Until(*r.LeaseExpiresAt)),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, *r.LeaseExpiresAt)
			defer cancel()
		}
		return next(ctx)
	}
}
