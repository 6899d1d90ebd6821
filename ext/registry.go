package ext

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/job"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type jobSubmittedEntry struct {
	name string
	hook JobSubmitted
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobProgressEntry struct {
	name string
	hook JobProgress
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobRetryingEntry struct {
	name string
	hook JobRetrying
}

type jobCancelledEntry struct {
	name string
	hook JobCancelled
}

type jobDeadLetteredEntry struct {
	name string
	hook JobDeadLettered
}

type jobReclaimedEntry struct {
	name string
	hook JobReclaimed
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
// Extensions are registered before the engine starts; emits may run
// concurrently.
type Registry struct {
	mu         sync.RWMutex
	extensions []Extension
	logger     *slog.Logger

	jobSubmitted    []jobSubmittedEntry
	jobStarted      []jobStartedEntry
	jobProgress     []jobProgressEntry
	jobCompleted    []jobCompletedEntry
	jobRetrying     []jobRetryingEntry
	jobCancelled    []jobCancelledEntry
	jobDeadLettered []jobDeadLetteredEntry
	jobReclaimed    []jobReclaimedEntry
	shutdown        []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(JobSubmitted); ok {
		r.jobSubmitted = append(r.jobSubmitted, jobSubmittedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobProgress); ok {
		r.jobProgress = append(r.jobProgress, jobProgressEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobRetrying); ok {
		r.jobRetrying = append(r.jobRetrying, jobRetryingEntry{name, h})
	}
	if h, ok := e.(JobCancelled); ok {
		r.jobCancelled = append(r.jobCancelled, jobCancelledEntry{name, h})
	}
	if h, ok := e.(JobDeadLettered); ok {
		r.jobDeadLettered = append(r.jobDeadLettered, jobDeadLetteredEntry{name, h})
	}
	if h, ok := e.(JobReclaimed); ok {
		r.jobReclaimed = append(r.jobReclaimed, jobReclaimedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Extension(nil), r.extensions...)
}

// EmitJobSubmitted notifies all extensions that implement JobSubmitted.
func (r *Registry) EmitJobSubmitted(ctx context.Context, rec *job.Record) {
	r.mu.RLock()
	hooks := r.jobSubmitted
	r.mu.RUnlock()
	for _, e := range hooks {
		if err := e.hook.OnJobSubmitted(ctx, rec); err != nil {
			r.logHookError("OnJobSubmitted", e.name, err)
		}
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, rec *job.Record) {
	r.mu.RLock()
	hooks := r.jobStarted
	r.mu.RUnlock()
	for _, e := range hooks {
		if err := e.hook.OnJobStarted(ctx, rec); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobProgress notifies all extensions that implement JobProgress.
func (r *Registry) EmitJobProgress(ctx context.Context, rec *job.Record, percent int, message string) {
	r.mu.RLock()
	hooks := r.jobProgress
	r.mu.RUnlock()
	for _, e := range hooks {
		if err := e.hook.OnJobProgress(ctx, rec, percent, message); err != nil {
			r.logHookError("OnJobProgress", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, rec *job.Record, elapsed time.Duration) {
	r.mu.RLock()
	hooks := r.jobCompleted
	r.mu.RUnlock()
	for _, e := range hooks {
		if err := e.hook.OnJobCompleted(ctx, rec, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, rec *job.Record, jobErr error, nextRunAt time.Time) {
	r.mu.RLock()
	hooks := r.jobRetrying
	r.mu.RUnlock()
	for _, e := range hooks {
		if err := e.hook.OnJobRetrying(ctx, rec, jobErr, nextRunAt); err != nil {
			r.logHookError("OnJobRetrying", e.name, err)
		}
	}
}

// EmitJobCancelled notifies all extensions that implement JobCancelled.
func (r *Registry) EmitJobCancelled(ctx context.Context, rec *job.Record) {
	r.mu.RLock()
	hooks := r.jobCancelled
	r.mu.RUnlock()
	for _, e := range hooks {
		if err := e.hook.OnJobCancelled(ctx, rec); err != nil {
			r.logHookError("OnJobCancelled", e.name, err)
		}
	}
}

// EmitJobDeadLettered notifies all extensions that implement JobDeadLettered.
func (r *Registry) EmitJobDeadLettered(ctx context.Context, rec *job.Record, entry *dlq.Entry) {
	r.mu.RLock()
	hooks := r.jobDeadLettered
	r.mu.RUnlock()
	for _, e := range hooks {
		if err := e.hook.OnJobDeadLettered(ctx, rec, entry); err != nil {
			r.logHookError("OnJobDeadLettered", e.name, err)
		}
	}
}

// EmitJobReclaimed notifies all extensions that implement JobReclaimed.
func (r *Registry) EmitJobReclaimed(ctx context.Context, rec *job.Record) {
	r.mu.RLock()
	hooks := r.jobReclaimed
	r.mu.RUnlock()
	for _, e := range hooks {
		if err := e.hook.OnJobReclaimed(ctx, rec); err != nil {
			r.logHookError("OnJobReclaimed", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	hooks := r.shutdown
	r.mu.RUnlock()
	for _, e := range hooks {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated so they cannot block the
// pipeline.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
