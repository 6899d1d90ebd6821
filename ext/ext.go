// Package ext defines the extension system for herald.
// Extensions are notified of job lifecycle events and can react to
// them: publishing to subscribers, alerting, metrics and so on.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// JobSubmitted is called after a job is accepted into its queue.
type JobSubmitted interface {
	OnJobSubmitted(ctx context.Context, r *job.Record) error
}

// JobStarted is called when a worker leases a job and starts the handler.
type JobStarted interface {
	OnJobStarted(ctx context.Context, r *job.Record) error
}

// JobProgress is called for each progress report, in emission order,
// from a single goroutine per job.
type JobProgress interface {
	OnJobProgress(ctx context.Context, r *job.Record, percent int, message string) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, r *job.Record, elapsed time.Duration) error
}

// JobRetrying is called when an attempt failed and the job was
// rescheduled.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, r *job.Record, err error, nextRunAt time.Time) error
}

// JobCancelled is called when a job ends because cancellation was
// requested.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, r *job.Record) error
}

// JobDeadLettered is called when a job exhausted its attempts and was
// archived.
type JobDeadLettered interface {
	OnJobDeadLettered(ctx context.Context, r *job.Record, entry *dlq.Entry) error
}

// JobReclaimed is called when the reaper resolves a job whose worker
// stopped renewing its lease.
type JobReclaimed interface {
	OnJobReclaimed(ctx context.Context, r *job.Record) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
