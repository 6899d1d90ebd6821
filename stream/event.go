// Package stream is the real-time event bus. Authenticated connections
// join topics through a Broker, which authorizes each subscription and
// fans published events out to every process through a Transport.
//
// The broker is also an ext.Extension: registered with the engine it
// turns job lifecycle hooks into events on the job, entity and user
// topics of the job, plus operator alerts for dead letters.
package stream

import (
	"encoding/json"
	"time"

	"github.com/xraph/herald/job"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventJobSubmitted   EventType = "job:submitted"
	EventJobProgress    EventType = "job:progress"
	EventJobComplete    EventType = "job:complete"
	EventJobFailed      EventType = "job:failed"
	EventJobCancelled   EventType = "job:cancelled"
	EventOperatorsAlert EventType = "operators:alert"

	// EventJobStatus carries a job.Status snapshot. Clients synthesize it
	// after reconnecting instead of replaying missed events.
	EventJobStatus EventType = "job:status"
)

// Event is the envelope delivered to subscribers of a topic.
type Event struct {
	// ID uniquely identifies this delivery.
	ID string `json:"id"`

	// Type identifies the event.
	Type EventType `json:"type"`

	// Topic is the topic the event was published on.
	Topic string `json:"topic"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// JobEventData is the payload of job events.
type JobEventData struct {
	JobID       string          `json:"job_id"`
	Category    string          `json:"category"`
	State       job.State       `json:"state"`
	Progress    int             `json:"progress"`
	Message     string          `json:"message,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	FailureKind job.FailureKind `json:"failure_kind,omitempty"`
	Attempt     int             `json:"attempt,omitempty"`
	RetriesLeft *int            `json:"retries_left,omitempty"`
	NextRunAt   *time.Time      `json:"next_run_at,omitempty"`
	ElapsedMs   int64           `json:"elapsed_ms,omitempty"`
}

// AlertData is the payload of operators:alert events.
type AlertData struct {
	Category    string          `json:"category"`
	JobID       string          `json:"job_id"`
	EntryID     string          `json:"entry_id"`
	Error       string          `json:"error"`
	Attempts    int             `json:"attempts"`
	FailureKind job.FailureKind `json:"failure_kind"`
	Owner       string          `json:"owner,omitempty"`
	FailedAt    time.Time       `json:"failed_at"`
}

// Decode unmarshals the event payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}
