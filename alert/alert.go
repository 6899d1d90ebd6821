// Package alert forwards dead-letter events to an external alerting
// collaborator.
package alert

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/job"
)

// DeadLetter is the structured alert raised when a job exhausts its
// attempts.
type DeadLetter struct {
	Category    string          `json:"category"`
	JobID       string          `json:"job_id"`
	EntryID     string          `json:"entry_id"`
	Error       string          `json:"error"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	FailureKind job.FailureKind `json:"failure_kind"`
	Owner       string          `json:"owner,omitempty"`
	FailedAt    time.Time       `json:"failed_at"`
}

// FromEntry builds the alert for a dead-letter entry.
func FromEntry(e *dlq.Entry) DeadLetter {
	return DeadLetter{
		Category:    e.Category,
		JobID:       e.JobID,
		EntryID:     e.ID,
		Error:       e.Error,
		Attempts:    e.Attempts,
		MaxAttempts: e.MaxAttempts,
		FailureKind: e.FailureKind,
		Owner:       e.Owner,
		FailedAt:    e.FailedAt,
	}
}

// Sink receives alerts.
type Sink interface {
	Alert(ctx context.Context, a DeadLetter) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a DeadLetter) error

// Alert calls f.
func (f SinkFunc) Alert(ctx context.Context, a DeadLetter) error { return f(ctx, a) }

// LogSink writes alerts to a logger at error level.
type LogSink struct {
	Logger *slog.Logger
}

// Alert implements Sink.
func (s LogSink) Alert(_ context.Context, a DeadLetter) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Error("job dead-lettered",
		slog.String("category", a.Category),
		slog.String("job_id", a.JobID),
		slog.String("entry_id", a.EntryID),
		slog.String("error", a.Error),
		slog.Int("attempts", a.Attempts),
		slog.String("failure_kind", string(a.FailureKind)),
	)
	return nil
}

var (
	_ ext.Extension       = (*Extension)(nil)
	_ ext.JobDeadLettered = (*Extension)(nil)
)

// Extension calls a Sink for every dead-lettered job.
type Extension struct {
	sink Sink
}

// NewExtension creates an alerting extension. A nil sink logs to
// slog.Default.
func NewExtension(sink Sink) *Extension {
	if sink == nil {
		sink = LogSink{}
	}
	return &Extension{sink: sink}
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "alert" }

// OnJobDeadLettered implements ext.JobDeadLettered.
func (e *Extension) OnJobDeadLettered(ctx context.Context, _ *job.Record, entry *dlq.Entry) error {
	return e.sink.Alert(ctx, FromEntry(entry))
}
