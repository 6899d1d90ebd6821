package dlq

import (
	"context"
	"time"

	"github.com/xraph/herald/job"
)

// ListOpts controls pagination and filtering for dead-letter queries.
type ListOpts struct {
	// Limit is the maximum number of entries to return. Zero means no limit.
	Limit int
	// Offset is the number of entries to skip.
	Offset int
	// Category filters by category. Empty means all categories.
	Category string
}

// Store defines the persistence contract for dead letters.
type Store interface {
	// MoveToDeadLetter marks the active job dead-lettered and writes
	// entry in one step. It returns herald.ErrLeaseLost when leaseID no
	// longer holds the job.
	MoveToDeadLetter(ctx context.Context, jobID, leaseID string, entry *Entry) (*job.Record, error)

	// ListDLQ returns entries newest first.
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)

	// GetDLQ retrieves an entry by id.
	GetDLQ(ctx context.Context, entryID string) (*Entry, error)

	// MarkReplayed records that entry was replayed as newJobID.
	MarkReplayed(ctx context.Context, entryID, newJobID string, at time.Time) error

	// PurgeDLQ removes entries that failed before the given time and
	// returns how many were removed.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)

	// CountDLQ returns the number of entries in category, or in all
	// categories when category is empty.
	CountDLQ(ctx context.Context, category string) (int64, error)
}
