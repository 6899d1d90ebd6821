package middleware

import (
	"context"

	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/job"
)

// Principal returns middleware that restores the submitting principal
// into the handler context, so handlers see the same subject as the
// caller that enqueued the job. Jobs without an owner pass through.
func Principal() Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		if r.Owner != "" {
			ctx = auth.WithPrincipal(ctx, &auth.Principal{Subject: r.Owner})
		}
		return next(ctx)
	}
}
