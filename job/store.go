package job

import (
	"context"
	"encoding/json"
	"time"

	"github.com/xraph/herald/queue"
)

// Counts summarizes the records of one category.
type Counts struct {
	Waiting      int64 `json:"waiting"`
	Delayed      int64 `json:"delayed"`
	Active       int64 `json:"active"`
	Finished     int64 `json:"finished"`
	DeadLettered int64 `json:"dead_lettered"`
}

// LeaseRequest describes one lease attempt.
type LeaseRequest struct {
	Category string
	WorkerID string
	LeaseID  string
	Now      time.Time
	Duration time.Duration
}

// Store defines the persistence contract for jobs. Every method that
// resolves an active job is conditional on the lease id and returns
// herald.ErrLeaseLost when the lease is no longer held.
type Store interface {
	// EnqueueJob persists a new waiting job. A job whose RunAt is in
	// the future goes to the delayed set. When a record with the same
	// id already exists nothing is written and created is false.
	EnqueueJob(ctx context.Context, r *Record) (created bool, err error)

	// LeaseJob promotes due delayed jobs, then atomically claims the
	// waiting job with the lowest priority (FIFO on ties). It returns
	// nil, nil when nothing is eligible.
	LeaseJob(ctx context.Context, req LeaseRequest) (*Record, error)

	// GetJob retrieves a job by id.
	GetJob(ctx context.Context, jobID string) (*Record, error)

	// UpdateProgress stores progress for an active job.
	UpdateProgress(ctx context.Context, jobID, leaseID string, progress int, message string) error

	// CompleteJob marks an active job completed with its result.
	CompleteJob(ctx context.Context, jobID, leaseID string, result json.RawMessage, now time.Time) (*Record, error)

	// RetryJob counts the failed attempt and reschedules the job at
	// runAt.
	RetryJob(ctx context.Context, jobID, leaseID, lastError string, runAt, now time.Time) (*Record, error)

	// FailJob counts the attempt and marks the job failed with kind.
	FailJob(ctx context.Context, jobID, leaseID string, kind FailureKind, lastError string, now time.Time) (*Record, error)

	// RequestCancel sets the cancel flag of a job. A waiting or delayed
	// job is removed from its queue and marked failed/cancelled in the
	// same step and dequeued is true. Terminal jobs are returned
	// unchanged.
	RequestCancel(ctx context.Context, jobID string, now time.Time) (r *Record, dequeued bool, err error)

	// IsCancelRequested reads the cancel flag of a job.
	IsCancelRequested(ctx context.Context, category, jobID string) (bool, error)

	// SubscribeCancellations delivers the ids of jobs whose cancellation
	// was requested anywhere. The channel closes when ctx is done.
	SubscribeCancellations(ctx context.Context) (<-chan string, error)

	// ListExpiredLeases returns active jobs of category whose lease
	// expired at or before the given time, oldest first.
	ListExpiredLeases(ctx context.Context, category string, before time.Time, limit int) ([]*Record, error)

	// CleanupJobs deletes completed and failed records of category that
	// policy expires at now. It returns the number deleted.
	CleanupJobs(ctx context.Context, category string, policy queue.CleanupPolicy, now time.Time) (int, error)

	// CountJobs returns record counts for category.
	CountJobs(ctx context.Context, category string) (Counts, error)
}
