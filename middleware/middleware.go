// Package middleware provides composable middleware for job execution.
// Middleware wraps handler calls synchronously and can modify execution
// (recover from panics, restore the owner, log, add tracing, etc.).
package middleware

import (
	"context"

	"github.com/xraph/herald/job"
)

// Handler is the terminal function that executes job logic.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the leased job record, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, r *job.Record, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// The first middleware in the list is the outermost (executes first).
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) error {
		if len(mws) == 0 {
			return next(ctx)
		}

		// Build the chain from the end backwards.
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, r, prev)
			}
		}
		return h(ctx)
	}
}
