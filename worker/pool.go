package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/queue"
)

// QueueManager applies per-category concurrency and rate limits. The
// pool calls Acquire before each lease attempt. An attempt that leased
// a job is followed by Leased and, once the job has run, Release. One
// that leased nothing is followed by Unused.
type QueueManager interface {
	Acquire(category string) bool
	Leased(category string)
	Unused(category string)
	Release(category string)
}

var _ QueueManager = (*queue.Manager)(nil)

// Pool runs Concurrency lease loops for every registered category and
// routes cancellation signals to the jobs it is executing.
type Pool struct {
	store              job.Store
	registry           *job.Registry
	executor           *Executor
	extensions         *ext.Registry
	pollInterval       time.Duration
	cancelPollInterval time.Duration
	workerID           string
	logger             *slog.Logger

	queueManager QueueManager

	stopCh     chan struct{}
	stopSub    context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	stopped    bool
	activeJobs map[string]*task
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPollInterval sets how long an idle lease loop waits before
// polling again.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithCancelPollInterval sets how often active jobs re-read their
// cancel flag. Zero disables the poll.
func WithCancelPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.cancelPollInterval = d }
}

// WithWorkerID sets the id recorded on leases.
func WithWorkerID(workerID string) PoolOption {
	return func(p *Pool) { p.workerID = workerID }
}

// WithQueueManager sets the limiter consulted before each lease. By
// default one is built from the registry's category configurations.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	registry *job.Registry,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	cfg := herald.DefaultConfig()
	p := &Pool{
		store:              store,
		registry:           registry,
		executor:           executor,
		extensions:         extensions,
		pollInterval:       cfg.PollInterval,
		cancelPollInterval: cfg.CancelPollInterval,
		workerID:           id.NewNode(),
		logger:             logger,
		stopCh:             make(chan struct{}),
		activeJobs:         make(map[string]*task),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the id this pool records on its leases.
func (p *Pool) WorkerID() string { return p.workerID }

// Start launches the lease loops and the cancellation listeners. It
// returns immediately. A stopped pool cannot be restarted.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return nil
	}
	configs := p.registry.Configs()
	if !p.registry.Initialized() {
		return herald.ErrNotInitialized
	}
	if p.queueManager == nil {
		p.queueManager = queue.NewManager(configs...)
	}
	p.running = true

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.stopSub = cancel
	cancels, err := p.store.SubscribeCancellations(subCtx)
	if err != nil {
		p.logger.Warn("cancel subscription unavailable, relying on polling",
			slog.String("error", err.Error()),
		)
	} else {
		p.wg.Add(1)
		go p.cancelLoop(cancels)
	}

	total := 0
	for _, cfg := range configs {
		for range cfg.Concurrency {
			p.wg.Add(1)
			go p.dequeueLoop(cfg)
		}
		total += cfg.Concurrency
	}

	if p.cancelPollInterval > 0 {
		p.wg.Add(1)
		go p.cancelPollLoop()
	}

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID),
		slog.Int("slots", total),
		slog.Int("categories", len(configs)),
	)
	return nil
}

// Stop signals all lease loops to stop and waits for in-flight jobs.
// When ctx is done first, the remaining jobs have their context
// cancelled and fail as lost workers.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID))

	close(p.stopCh)
	if p.stopSub != nil {
		p.stopSub()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		<-done
	}
	return nil
}

// Cancel signals a job running in this pool. It reports whether the
// job was found.
func (p *Pool) Cancel(jobID string) bool {
	p.activeMu.Lock()
	t, ok := p.activeJobs[jobID]
	p.activeMu.Unlock()
	if ok {
		t.requestCancel()
	}
	return ok
}

// ActiveJobs returns the number of jobs currently executing.
func (p *Pool) ActiveJobs() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

// dequeueLoop is run by each lease slot of a category.
func (p *Pool) dequeueLoop(cfg queue.Config) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if !p.queueManager.Acquire(cfg.Name) {
			p.sleep()
			continue
		}

		r, err := p.store.LeaseJob(context.Background(), job.LeaseRequest{
			Category: cfg.Name,
			WorkerID: p.workerID,
			LeaseID:  id.NewLease(),
			Now:      time.Now().UTC(),
			Duration: cfg.Timeout,
		})
		if err != nil {
			p.queueManager.Unused(cfg.Name)
			p.logger.Error("lease error",
				slog.String("category", cfg.Name),
				slog.String("error", err.Error()),
			)
			p.sleep()
			continue
		}
		if r == nil {
			p.queueManager.Unused(cfg.Name)
			p.sleep()
			continue
		}

		p.queueManager.Leased(cfg.Name)
		p.execute(r)
		p.queueManager.Release(cfg.Name)
	}
}

func (p *Pool) execute(r *job.Record) {
	t := newTask(context.Background(), r)
	defer t.cancel()

	p.trackJob(t)
	defer p.untrackJob(r.ID)

	if r.CancelRequested {
		t.requestCancel()
	}

	p.extensions.EmitJobStarted(t.ctx, r)

	if err := p.executor.run(t); err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", r.ID),
			slog.String("category", r.Category),
			slog.String("error", err.Error()),
		)
	}
}

// cancelLoop forwards cancel signals from the store to local jobs.
func (p *Pool) cancelLoop(ch <-chan string) {
	defer p.wg.Done()
	for jobID := range ch {
		if p.Cancel(jobID) {
			p.logger.Info("cancellation signalled", slog.String("job_id", jobID))
		}
	}
}

// cancelPollLoop re-reads the cancel flag of every active job so a
// missed signal still cancels the job.
func (p *Pool) cancelPollLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollCancelFlags()
		}
	}
}

func (p *Pool) pollCancelFlags() {
	p.activeMu.Lock()
	tasks := make([]*task, 0, len(p.activeJobs))
	for _, t := range p.activeJobs {
		if !t.IsCancelled() {
			tasks = append(tasks, t)
		}
	}
	p.activeMu.Unlock()

	for _, t := range tasks {
		requested, err := p.store.IsCancelRequested(context.Background(), t.rec.Category, t.rec.ID)
		if err != nil {
			p.logger.Warn("cancel flag check failed",
				slog.String("job_id", t.rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if requested {
			t.requestCancel()
		}
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(t *task) {
	p.activeMu.Lock()
	p.activeJobs[t.rec.ID] = t
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, t := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		t.abort()
	}
}
