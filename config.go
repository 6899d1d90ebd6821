package herald

import "time"

// Config holds process-wide engine settings. Per-category behaviour
// (concurrency, timeout, retry, cleanup) lives in queue.Config.
type Config struct {
	// NodeID identifies this process in leases and topic membership.
	// Empty means a random id is generated at startup.
	NodeID string

	// PollInterval is how long an idle lease loop waits before asking
	// the store for work again.
	PollInterval time.Duration

	// ShutdownTimeout bounds graceful drain of in-flight jobs.
	ShutdownTimeout time.Duration

	// ReaperInterval is how often stale leases are reclaimed and
	// cleanup policies applied.
	ReaperInterval time.Duration

	// CancelPollInterval is how often active jobs re-check their cancel
	// flag in case a cancel signal was missed.
	CancelPollInterval time.Duration

	// DeadLetterRetention is how long dead letters are kept before the
	// reaper purges them.
	DeadLetterRetention time.Duration

	// PublishAttempts is how many times a single event publish is tried
	// before it is logged and dropped.
	PublishAttempts int

	// PublishTimeout bounds each publish attempt.
	PublishTimeout time.Duration

	// ProgressBuffer is the number of pending progress reports kept per
	// job before the oldest is discarded.
	ProgressBuffer int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:        500 * time.Millisecond,
		ShutdownTimeout:     30 * time.Second,
		ReaperInterval:      time.Hour,
		CancelPollInterval:  5 * time.Second,
		DeadLetterRetention: 30 * 24 * time.Hour,
		PublishAttempts:     3,
		PublishTimeout:      2 * time.Second,
		ProgressBuffer:      32,
	}
}
