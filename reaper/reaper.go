// Package reaper periodically reclaims jobs whose worker disappeared,
// applies per-category cleanup policies to finished records and purges
// old dead letters.
//
// A lease is considered abandoned once it has been expired for a full
// category timeout, i.e. the attempt started at least twice the timeout
// ago. Abandoned attempts fail exactly as if the handler had returned
// herald.ErrWorkerLost, so they are retried or dead-lettered by the
// usual rules.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/job"
)

// Resolver fails an abandoned attempt. worker.Executor implements it.
type Resolver interface {
	ResolveLost(ctx context.Context, r *job.Record) error
}

// Result summarizes one reaper pass.
type Result struct {
	Reclaimed int
	Cleaned   int
	Purged    int64
}

// Reaper runs the periodic maintenance pass.
type Reaper struct {
	store     job.Store
	registry  *job.Registry
	resolver  Resolver
	dlq       *dlq.Service
	interval  time.Duration
	retention time.Duration
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithInterval sets the time between passes.
func WithInterval(d time.Duration) Option {
	return func(r *Reaper) { r.interval = d }
}

// WithRetention sets how long dead letters are kept. Zero keeps them
// forever.
func WithRetention(d time.Duration) Option {
	return func(r *Reaper) { r.retention = d }
}

// WithBatchSize bounds how many abandoned leases are resolved per
// category in one pass.
func WithBatchSize(n int) Option {
	return func(r *Reaper) { r.batchSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reaper) { r.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a Reaper. dlqService may be nil to skip purging.
func New(store job.Store, registry *job.Registry, resolver Resolver, dlqService *dlq.Service, opts ...Option) *Reaper {
	cfg := herald.DefaultConfig()
	r := &Reaper{
		store:     store,
		registry:  registry,
		resolver:  resolver,
		dlq:       dlqService,
		interval:  cfg.ReaperInterval,
		retention: cfg.DeadLetterRetention,
		batchSize: 100,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs a pass every interval until Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.done = make(chan struct{})

	ctx = context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		timer := time.NewTimer(r.interval)
		defer timer.Stop()
		for {
			select {
			case <-r.done:
				r.logger.Debug("reaper done")
				return
			case <-timer.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.logger.Error("reaper pass failed", slog.String("error", err.Error()))
				}
				timer.Reset(r.interval)
			}
		}
	}()
}

// Stop ends the loop and waits for a running pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.done)
	r.mu.Unlock()
	r.wg.Wait()
}

// RunOnce performs a single pass over every registered category. It
// keeps going after per-category failures and returns them joined.
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	now := r.now().UTC()

	for _, cfg := range r.registry.Configs() {
		n, err := r.reclaim(ctx, cfg.Name, now.Add(-cfg.Timeout))
		res.Reclaimed += n
		if err != nil {
			errs = append(errs, err)
		}

		cleaned, err := r.store.CleanupJobs(ctx, cfg.Name, cfg.Cleanup, now)
		if err != nil {
			errs = append(errs, err)
		}
		res.Cleaned += cleaned
	}

	if r.dlq != nil && r.retention > 0 {
		purged, err := r.dlq.Purge(ctx, r.retention, now)
		if err != nil {
			errs = append(errs, err)
		}
		res.Purged = purged
	}

	if res.Reclaimed > 0 || res.Cleaned > 0 || res.Purged > 0 {
		r.logger.Info("reaper pass",
			slog.Int("reclaimed", res.Reclaimed),
			slog.Int("cleaned", res.Cleaned),
			slog.Int64("purged", res.Purged),
		)
	}
	return res, errors.Join(errs...)
}

func (r *Reaper) reclaim(ctx context.Context, category string, before time.Time) (int, error) {
	stale, err := r.store.ListExpiredLeases(ctx, category, before, r.batchSize)
	if err != nil {
		return 0, err
	}

	n := 0
	var errs []error
	for _, rec := range stale {
		err := r.resolver.ResolveLost(ctx, rec)
		switch {
		case errors.Is(err, herald.ErrLeaseLost):
			// Resolved by its worker in the meantime.
			continue
		case err == nil,
			errors.Is(err, herald.ErrWorkerLost),
			errors.Is(err, herald.ErrExhausted),
			errors.Is(err, herald.ErrCancelled):
			n++
			r.logger.Info("reclaimed abandoned job",
				slog.String("job_id", rec.ID),
				slog.String("category", category),
				slog.String("worker_id", rec.WorkerID),
			)
		default:
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}
