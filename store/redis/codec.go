package redis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cast"

	"github.com/xraph/herald"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/job"
)

// Times are stored as unix milliseconds so scripts can compare them.

func ms(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func msPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return ms(*t)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	return time.UnixMilli(cast.ToInt64(v)).UTC()
}

func parseTimePtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t := parseTime(v)
	return &t
}

func encodeStrings(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	b, _ := json.Marshal(ss) //nolint:errcheck // []string always marshals
	return string(b)
}

func decodeStrings(v string) ([]string, error) {
	if v == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// recordFields flattens r into HSET arguments.
func recordFields(r *job.Record) []any {
	return []any{
		"id", r.ID,
		"category", r.Category,
		"payload", string(r.Payload),
		"priority", strconv.Itoa(r.Priority),
		"attempts_made", strconv.Itoa(r.AttemptsMade),
		"max_attempts", strconv.Itoa(r.MaxAttempts),
		"state", string(r.State),
		"enqueued_at", ms(r.EnqueuedAt),
		"run_at", ms(r.RunAt),
		"lease_id", r.LeaseID,
		"lease_expires_at", msPtr(r.LeaseExpiresAt),
		"started_at", msPtr(r.StartedAt),
		"finished_at", msPtr(r.FinishedAt),
		"progress", strconv.Itoa(r.Progress),
		"message", r.Message,
		"result", string(r.Result),
		"last_error", r.LastError,
		"failure_kind", string(r.FailureKind),
		"cancel_requested", boolField(r.CancelRequested),
		"owner", r.Owner,
		"entities", encodeStrings(r.Entities),
		"worker_id", r.WorkerID,
		"created_at", ms(r.CreatedAt),
		"updated_at", ms(r.UpdatedAt),
	}
}

func decodeRecord(m map[string]string) (*job.Record, error) {
	if m["id"] == "" {
		return nil, herald.ErrJobNotFound
	}
	entities, err := decodeStrings(m["entities"])
	if err != nil {
		return nil, fmt.Errorf("herald/redis: decode entities of %s: %w", m["id"], err)
	}
	r := &job.Record{
		Entity: herald.Entity{
			CreatedAt: parseTime(m["created_at"]),
			UpdatedAt: parseTime(m["updated_at"]),
		},
		ID:              m["id"],
		Category:        m["category"],
		Priority:        cast.ToInt(m["priority"]),
		AttemptsMade:    cast.ToInt(m["attempts_made"]),
		MaxAttempts:     cast.ToInt(m["max_attempts"]),
		State:           job.State(m["state"]),
		EnqueuedAt:      parseTime(m["enqueued_at"]),
		RunAt:           parseTime(m["run_at"]),
		LeaseID:         m["lease_id"],
		LeaseExpiresAt:  parseTimePtr(m["lease_expires_at"]),
		StartedAt:       parseTimePtr(m["started_at"]),
		FinishedAt:      parseTimePtr(m["finished_at"]),
		Progress:        cast.ToInt(m["progress"]),
		Message:         m["message"],
		LastError:       m["last_error"],
		FailureKind:     job.FailureKind(m["failure_kind"]),
		CancelRequested: cast.ToBool(m["cancel_requested"]),
		Owner:           m["owner"],
		Entities:        entities,
		WorkerID:        m["worker_id"],
	}
	if v := m["payload"]; v != "" {
		r.Payload = json.RawMessage(v)
	}
	if v := m["result"]; v != "" {
		r.Result = json.RawMessage(v)
	}
	return r, nil
}

// entryFields flattens e into HSET arguments.
func entryFields(e *dlq.Entry) []any {
	return []any{
		"id", e.ID,
		"job_id", e.JobID,
		"category", e.Category,
		"payload", string(e.Payload),
		"error", e.Error,
		"failure_kind", string(e.FailureKind),
		"attempts", strconv.Itoa(e.Attempts),
		"max_attempts", strconv.Itoa(e.MaxAttempts),
		"owner", e.Owner,
		"entities", encodeStrings(e.Entities),
		"enqueued_at", ms(e.EnqueuedAt),
		"failed_at", ms(e.FailedAt),
		"replayed_at", msPtr(e.ReplayedAt),
		"replay_job_id", e.ReplayJobID,
	}
}

func decodeEntry(m map[string]string) (*dlq.Entry, error) {
	if m["id"] == "" {
		return nil, herald.ErrDeadLetterNotFound
	}
	entities, err := decodeStrings(m["entities"])
	if err != nil {
		return nil, fmt.Errorf("herald/redis: decode entities of %s: %w", m["id"], err)
	}
	e := &dlq.Entry{
		ID:          m["id"],
		JobID:       m["job_id"],
		Category:    m["category"],
		Error:       m["error"],
		FailureKind: job.FailureKind(m["failure_kind"]),
		Attempts:    cast.ToInt(m["attempts"]),
		MaxAttempts: cast.ToInt(m["max_attempts"]),
		Owner:       m["owner"],
		Entities:    entities,
		EnqueuedAt:  parseTime(m["enqueued_at"]),
		FailedAt:    parseTime(m["failed_at"]),
		ReplayedAt:  parseTimePtr(m["replayed_at"]),
		ReplayJobID: m["replay_job_id"],
	}
	if v := m["payload"]; v != "" {
		e.Payload = json.RawMessage(v)
	}
	return e, nil
}

// pairs converts a flat HGETALL reply returned by a script into a map.
func pairs(v []any) map[string]string {
	m := make(map[string]string, len(v)/2)
	for i := 0; i+1 < len(v); i += 2 {
		m[cast.ToString(v[i])] = cast.ToString(v[i+1])
	}
	return m
}
