package dlq

import (
	"encoding/json"
	"time"

	"github.com/xraph/herald/job"
)

// Entry is the archived copy of a job that exhausted its attempts.
type Entry struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	Category    string          `json:"category"`
	Payload     json.RawMessage `json:"payload"`
	Error       string          `json:"error"`
	FailureKind job.FailureKind `json:"failure_kind"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Owner       string          `json:"owner,omitempty"`
	Entities    []string        `json:"entities,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	FailedAt    time.Time       `json:"failed_at"`
	ReplayedAt  *time.Time      `json:"replayed_at,omitempty"`
	ReplayJobID string          `json:"replay_job_id,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.Entities != nil {
		c.Entities = append([]string(nil), e.Entities...)
	}
	if e.ReplayedAt != nil {
		t := *e.ReplayedAt
		c.ReplayedAt = &t
	}
	return &c
}
