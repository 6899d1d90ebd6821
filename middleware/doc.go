// Package middleware provides composable middleware for job execution.
//
// A [Middleware] is a function that wraps a job handler. Middleware are
// composed into a chain using [Chain] and applied around each attempt.
// The first middleware in the slice is the outermost wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs category, job id, attempt and outcome
//   - [Recover] turns panics into errors
//   - [Timeout] bounds the handler by the lease expiry
//   - [Tracing] wraps execution in an OpenTelemetry span
//   - [Metrics] records per-category duration and outcome counters
//   - [Principal] restores the submitting principal into the context
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, r *job.Record, next middleware.Handler) error {
//	        // pre-processing
//	        err := next(ctx)
//	        // post-processing
//	        return err
//	    }
//	}
package middleware
