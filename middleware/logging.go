package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/job"
)

// Logging returns middleware that logs job start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		logger.Info("job started",
			slog.String("category", r.Category),
			slog.String("job_id", r.ID),
			slog.Int("attempt", r.AttemptsMade+1),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			logger.Info("job completed",
				slog.String("category", r.Category),
				slog.String("job_id", r.ID),
				slog.Duration("elapsed", elapsed),
			)
		case errors.Is(err, herald.ErrCancelled):
			logger.Info("job cancelled",
				slog.String("category", r.Category),
				slog.String("job_id", r.ID),
				slog.Duration("elapsed", elapsed),
			)
		default:
			logger.Error("job failed",
				slog.String("category", r.Category),
				slog.String("job_id", r.ID),
				slog.Int("attempt", r.AttemptsMade+1),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		}

		return err
	}
}
