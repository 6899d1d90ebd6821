package job

import (
	"encoding/json"
	"time"

	"github.com/xraph/herald"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StateWaiting means the job is queued, possibly delayed until RunAt.
	StateWaiting State = "waiting"
	// StateActive means a worker holds a lease on the job.
	StateActive State = "active"
	// StateCompleted means the handler succeeded.
	StateCompleted State = "completed"
	// StateFailed means the job stopped without exhausting its attempts,
	// which only happens on cancellation.
	StateFailed State = "failed"
	// StateDeadLettered means every attempt failed and a dead letter was
	// written.
	StateDeadLettered State = "dead_lettered"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDeadLettered
}

// FailureKind classifies the last failure of a job.
type FailureKind string

const (
	FailureTransient  FailureKind = "transient"
	FailureCancelled  FailureKind = "cancelled"
	FailureWorkerLost FailureKind = "worker_lost"
	FailureExhausted  FailureKind = "exhausted"
)

// Record is the persisted state of one job.
type Record struct {
	herald.Entity

	ID              string          `json:"id"`
	Category        string          `json:"category"`
	Payload         json.RawMessage `json:"payload"`
	Priority        int             `json:"priority"`
	AttemptsMade    int             `json:"attempts_made"`
	MaxAttempts     int             `json:"max_attempts"`
	State           State           `json:"state"`
	EnqueuedAt      time.Time       `json:"enqueued_at"`
	RunAt           time.Time       `json:"run_at"`
	LeaseID         string          `json:"lease_id,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	Progress        int             `json:"progress"`
	Message         string          `json:"message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	FailureKind     FailureKind     `json:"failure_kind,omitempty"`
	CancelRequested bool            `json:"cancel_requested"`
	Owner           string          `json:"owner,omitempty"`
	Entities        []string        `json:"entities,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
}

// RetriesLeft returns how many further attempts the job may make.
func (r *Record) RetriesLeft() int {
	if r.State.Terminal() {
		return 0
	}
	n := r.MaxAttempts - r.AttemptsMade
	if r.State == StateActive {
		// The running attempt is not counted yet.
		n--
	}
	if n < 0 {
		return 0
	}
	return n
}

// Status is the snapshot returned to clients reconciling after a
// reconnect.
type Status struct {
	ID              string          `json:"id"`
	Category        string          `json:"category"`
	State           State           `json:"state"`
	Progress        int             `json:"progress"`
	Message         string          `json:"message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	FailureKind     FailureKind     `json:"failure_kind,omitempty"`
	AttemptsMade    int             `json:"attempts_made"`
	RetriesLeft     int             `json:"retries_left"`
	CancelRequested bool            `json:"cancel_requested"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Status returns the client-facing snapshot of r.
func (r *Record) Status() Status {
	return Status{
		ID:              r.ID,
		Category:        r.Category,
		State:           r.State,
		Progress:        r.Progress,
		Message:         r.Message,
		Result:          r.Result,
		Error:           r.LastError,
		FailureKind:     r.FailureKind,
		AttemptsMade:    r.AttemptsMade,
		RetriesLeft:     r.RetriesLeft(),
		CancelRequested: r.CancelRequested,
		UpdatedAt:       r.UpdatedAt,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Payload = cloneBytes(r.Payload)
	c.Result = cloneBytes(r.Result)
	if r.Entities != nil {
		c.Entities = append([]string(nil), r.Entities...)
	}
	c.LeaseExpiresAt = cloneTime(r.LeaseExpiresAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	return &c
}

func cloneBytes(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
