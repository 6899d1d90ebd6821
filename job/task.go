package job

import (
	"context"
	"encoding/json"
)

// Task is the handle a running handler uses to talk back to the worker.
type Task interface {
	// ID returns the job id.
	ID() string

	// Category returns the job category.
	Category() string

	// Attempt returns the 1-based number of the running attempt.
	Attempt() int

	// Owner returns the subject that submitted the job, if any.
	Owner() string

	// Report records progress in percent (clamped to 0..100) with an
	// optional message. It never blocks.
	Report(percent int, message string)

	// Cancelled returns a channel that is closed once cancellation of
	// the job has been requested.
	Cancelled() <-chan struct{}

	// IsCancelled reports whether cancellation has been requested.
	IsCancelled() bool
}

// Handler processes one typed payload. The returned result is stored
// as JSON on success.
type Handler[T any] func(ctx context.Context, payload T, task Task) (any, error)

// HandlerFunc is the type-erased form of Handler. It decodes the stored
// payload, calls the typed handler and encodes its result.
type HandlerFunc func(ctx context.Context, payload json.RawMessage, task Task) (json.RawMessage, error)
