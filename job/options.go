package job

import "time"

// SubmitOptions holds the per-submission settings.
type SubmitOptions struct {
	// Priority overrides the category default. Lower runs sooner.
	Priority *int

	// JobID makes the submission idempotent: a second submission with
	// the same id returns it without enqueuing again.
	JobID string

	// Delay postpones eligibility by the given duration.
	Delay time.Duration

	// Owner is the subject of the submitting principal.
	Owner string
}

// SubmitOption configures one submission.
type SubmitOption func(*SubmitOptions)

// ApplySubmitOptions folds opts into a SubmitOptions value.
func ApplySubmitOptions(opts ...SubmitOption) SubmitOptions {
	var o SubmitOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPriority sets the job priority.
func WithPriority(p int) SubmitOption {
	return func(o *SubmitOptions) { o.Priority = &p }
}

// WithJobID sets a caller-chosen job id.
func WithJobID(jobID string) SubmitOption {
	return func(o *SubmitOptions) { o.JobID = jobID }
}

// WithDelay makes the job eligible only after d.
func WithDelay(d time.Duration) SubmitOption {
	return func(o *SubmitOptions) { o.Delay = d }
}

// WithOwner records the submitting principal.
func WithOwner(subject string) SubmitOption {
	return func(o *SubmitOptions) { o.Owner = subject }
}
