package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
)

// Submitter enqueues a raw payload as a new job. The engine implements it.
type Submitter interface {
	SubmitRaw(ctx context.Context, category string, payload json.RawMessage, opts ...job.SubmitOption) (string, error)
}

// Service provides dead-letter operations over a Store.
type Service struct {
	store     Store
	submitter Submitter
}

// NewService creates a dead-letter service. submitter may be nil, in
// which case Replay fails.
func NewService(store Store, submitter Submitter) *Service {
	return &Service{store: store, submitter: submitter}
}

// Push archives the active job r, whose final attempt failed with cause,
// and marks it dead-lettered. The failed attempt is counted in the
// entry. Worker loss keeps its own failure kind; everything else is
// recorded as exhausted.
func (s *Service) Push(ctx context.Context, r *job.Record, cause error, now time.Time) (*Entry, *job.Record, error) {
	kind := job.FailureExhausted
	if errors.Is(cause, herald.ErrWorkerLost) {
		kind = job.FailureWorkerLost
	}
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	entry := &Entry{
		ID:          id.NewDeadLetter(),
		JobID:       r.ID,
		Category:    r.Category,
		Payload:     r.Payload,
		Error:       msg,
		FailureKind: kind,
		Attempts:    r.AttemptsMade + 1,
		MaxAttempts: r.MaxAttempts,
		Owner:       r.Owner,
		Entities:    r.Entities,
		EnqueuedAt:  r.EnqueuedAt,
		FailedAt:    now.UTC(),
	}
	updated, err := s.store.MoveToDeadLetter(ctx, r.ID, r.LeaseID, entry)
	if err != nil {
		return nil, nil, err
	}
	return entry, updated, nil
}

// Replay submits the payload of a dead letter as a new job with a fresh
// attempt budget and records the new job id on the entry. Replaying the
// same entry twice returns the same job id.
func (s *Service) Replay(ctx context.Context, entryID string) (string, error) {
	if s.submitter == nil {
		return "", herald.ErrNotInitialized
	}
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return "", err
	}
	if entry.ReplayJobID != "" {
		return entry.ReplayJobID, nil
	}

	opts := []job.SubmitOption{job.WithJobID(replayJobID(entry.ID))}
	if entry.Owner != "" {
		opts = append(opts, job.WithOwner(entry.Owner))
	}
	jobID, err := s.submitter.SubmitRaw(ctx, entry.Category, entry.Payload, opts...)
	if err != nil {
		return "", fmt.Errorf("replay %s: %w", entryID, err)
	}
	if err := s.store.MarkReplayed(ctx, entryID, jobID, time.Now().UTC()); err != nil {
		// The job is already enqueued.
		return jobID, err
	}
	return jobID, nil
}

func replayJobID(entryID string) string {
	return string(id.PrefixJob) + "_replay_" + entryID
}

// Purge removes dead letters older than retention.
func (s *Service) Purge(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return s.store.PurgeDLQ(ctx, now.Add(-retention))
}

// List returns dead letters newest first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	return s.store.ListDLQ(ctx, opts)
}

// Get returns a single dead letter.
func (s *Service) Get(ctx context.Context, entryID string) (*Entry, error) {
	return s.store.GetDLQ(ctx, entryID)
}

// Count returns the number of dead letters in category, or in all
// categories when category is empty.
func (s *Service) Count(ctx context.Context, category string) (int64, error) {
	return s.store.CountDLQ(ctx, category)
}
