// Package worker provides the job execution engine: an Executor that
// invokes registered handlers through middleware and resolves the
// attempt, and a Pool that leases jobs per category and tracks their
// cancellation.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/herald"
	"github.com/xraph/herald/backoff"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/middleware"
)

// Executor runs a single leased job through middleware and the
// registered handler, then completes, retries, cancels or dead-letters
// it and emits the matching lifecycle event.
type Executor struct {
	registry       *job.Registry
	extensions     *ext.Registry
	store          job.Store
	dlqService     *dlq.Service
	mw             middleware.Middleware
	logger         *slog.Logger
	progressBuffer int
	now            func() time.Time

	progressDropped metric.Int64Counter
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithProgressBuffer sets how many progress reports may wait per job
// before the oldest is discarded.
func WithProgressBuffer(n int) ExecutorOption {
	return func(e *Executor) { e.progressBuffer = n }
}

// WithMiddleware appends middleware around every handler call. The
// first one is the outermost.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithClock overrides the time source used to stamp resolutions.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithMeter sets the meter used for executor counters.
func WithMeter(m metric.Meter) ExecutorOption {
	return func(e *Executor) { e.initMetrics(m) }
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	store job.Store,
	dlqService *dlq.Service,
	logger *slog.Logger,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		registry:       registry,
		extensions:     extensions,
		store:          store,
		dlqService:     dlqService,
		mw:             middleware.Chain(),
		logger:         logger,
		progressBuffer: herald.DefaultConfig().ProgressBuffer,
		now:            time.Now,
	}
	e.initMetrics(otel.Meter("github.com/xraph/herald/worker"))
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) initMetrics(m metric.Meter) {
	e.progressDropped, _ = m.Int64Counter("herald.worker.progress.dropped",
		metric.WithDescription("Progress reports discarded because the per-job buffer was full"),
		metric.WithUnit("{report}"),
	)
}

// Execute runs a leased job to resolution. It is used directly by
// callers that do their own leasing; the Pool goes through run so it
// can signal cancellation.
func (e *Executor) Execute(ctx context.Context, r *job.Record) error {
	t := newTask(ctx, r)
	defer t.cancel()
	return e.run(t)
}

func (e *Executor) run(t *task) error {
	r := t.rec
	handler, err := e.registry.Handler(r.Category)
	if err != nil {
		return e.handleFailure(context.WithoutCancel(t.ctx), r, err)
	}

	start := time.Now()
	rp := newReporter(context.WithoutCancel(t.ctx), r, e.store, e.extensions, e.logger, e.progressDropped, e.progressBuffer)
	t.attach(rp)

	var result json.RawMessage
	terminal := func(ctx context.Context) error {
		out, herr := handler(ctx, r.Payload, t)
		result = out
		return herr
	}

	execErr := e.mw(t.ctx, r, terminal)
	elapsed := time.Since(start)

	// Progress must reach subscribers before the terminal event.
	t.attach(nil)
	rp.flush()

	ctx := context.WithoutCancel(t.ctx)
	switch {
	case execErr == nil:
		return e.handleSuccess(ctx, r, result, elapsed)
	case errors.Is(execErr, herald.ErrCancelled) || t.IsCancelled():
		return e.handleCancelled(ctx, r)
	case t.aborted.Load():
		// Shutdown counts like any other lost worker, including on the
		// final attempt.
		return e.handleFailure(ctx, r, fmt.Errorf("%w: shutdown: %w", herald.ErrWorkerLost, execErr))
	default:
		return e.handleFailure(ctx, r, execErr)
	}
}

// ResolveLost fails an attempt whose worker stopped renewing its lease,
// exactly as if the handler had returned herald.ErrWorkerLost.
func (e *Executor) ResolveLost(ctx context.Context, r *job.Record) error {
	e.extensions.EmitJobReclaimed(ctx, r)
	if r.CancelRequested {
		return e.handleCancelled(ctx, r)
	}
	return e.handleFailure(ctx, r, herald.ErrWorkerLost)
}

// handleSuccess marks the job completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, r *job.Record, result json.RawMessage, elapsed time.Duration) error {
	updated, err := e.store.CompleteJob(ctx, r.ID, r.LeaseID, result, e.now().UTC())
	if err != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", r.ID),
			slog.String("category", r.Category),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobCompleted(ctx, updated, elapsed)
	return nil
}

// handleCancelled ends the job as failed/cancelled without retrying.
func (e *Executor) handleCancelled(ctx context.Context, r *job.Record) error {
	updated, err := e.store.FailJob(ctx, r.ID, r.LeaseID, job.FailureCancelled, herald.ErrCancelled.Error(), e.now().UTC())
	if err != nil {
		e.logger.Error("failed to update cancelled job",
			slog.String("job_id", r.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobCancelled(ctx, updated)
	e.logger.Info("job cancelled",
		slog.String("job_id", r.ID),
		slog.String("category", r.Category),
		slog.Int("attempt", updated.AttemptsMade),
	)
	return herald.ErrCancelled
}

// handleFailure either retries the job or sends it to the DLQ once the
// failed attempt was its last.
func (e *Executor) handleFailure(ctx context.Context, r *job.Record, handlerErr error) error {
	if r.AttemptsMade+1 < r.MaxAttempts {
		return e.scheduleRetry(ctx, r, handlerErr)
	}
	return e.sendToDLQ(ctx, r, handlerErr)
}

// scheduleRetry puts the job back in the delayed set after a backoff.
func (e *Executor) scheduleRetry(ctx context.Context, r *job.Record, handlerErr error) error {
	bo := backoff.DefaultStrategy()
	if cfg, err := e.registry.Config(r.Category); err == nil && cfg.Retry.Backoff != nil {
		bo = cfg.Retry.Backoff
	}
	now := e.now().UTC()
	delay := bo.Delay(r.AttemptsMade + 1)
	nextRunAt := now.Add(delay)

	updated, err := e.store.RetryJob(ctx, r.ID, r.LeaseID, handlerErr.Error(), nextRunAt, now)
	if err != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", r.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	if updated.State == job.StateFailed {
		// The cancel flag was set while the attempt was failing.
		e.extensions.EmitJobCancelled(ctx, updated)
		return herald.ErrCancelled
	}

	e.extensions.EmitJobRetrying(ctx, updated, handlerErr, nextRunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", r.ID),
		slog.String("category", r.Category),
		slog.Int("attempt", updated.AttemptsMade),
		slog.Int("max_attempts", updated.MaxAttempts),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("job %s attempt %d/%d: %w", r.ID, updated.AttemptsMade, updated.MaxAttempts, handlerErr)
}

// sendToDLQ archives the job and emits the dead-letter event.
func (e *Executor) sendToDLQ(ctx context.Context, r *job.Record, handlerErr error) error {
	entry, updated, err := e.dlqService.Push(ctx, r, handlerErr, e.now().UTC())
	if err != nil {
		e.logger.Error("failed to push job to DLQ",
			slog.String("job_id", r.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.extensions.EmitJobDeadLettered(ctx, updated, entry)

	e.logger.Warn("job moved to DLQ after exhausting attempts",
		slog.String("job_id", r.ID),
		slog.String("category", r.Category),
		slog.String("entry_id", entry.ID),
		slog.Int("attempts", entry.Attempts),
		slog.String("error", handlerErr.Error()),
	)

	return fmt.Errorf("job %s: %w: %w", r.ID, herald.ErrExhausted, handlerErr)
}
