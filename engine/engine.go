package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/herald"
	"github.com/xraph/herald/alert"
	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	mw "github.com/xraph/herald/middleware"
	"github.com/xraph/herald/observability"
	"github.com/xraph/herald/queue"
	"github.com/xraph/herald/reaper"
	"github.com/xraph/herald/store"
	"github.com/xraph/herald/stream"
	"github.com/xraph/herald/worker"
)

const instrumentationName = "github.com/xraph/herald"

var (
	_ dlq.Submitter  = (*Engine)(nil)
	_ auth.JobOwners = (*Engine)(nil)
)

// Engine owns the category registry and every runtime component: the
// worker pool, the reaper, the dead-letter service and the event
// broker. Build one with New, register categories, then call Init.
type Engine struct {
	config     herald.Config
	logger     *slog.Logger
	store      store.Store
	extensions *ext.Registry
	registry   *job.Registry
	dlqService *dlq.Service
	executor   *worker.Executor
	pool       *worker.Pool
	reaper     *reaper.Reaper
	broker     *stream.Broker

	mws        []mw.Middleware
	transport  stream.Transport
	authorizer auth.Authorizer
	entities   auth.EntityOwnership
	alertSink  alert.Sink
	noWorkers  bool

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	mu      sync.Mutex
	started bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets process-wide settings. Zero fields keep their
// defaults.
func WithConfig(cfg herald.Config) Option {
	return func(eng *Engine) { eng.config = mergeConfig(eng.config, cfg) }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.extensions.Register(e) }
}

// WithMiddleware adds middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithTransport sets the event transport. Without one events only
// reach subscribers connected to this process.
func WithTransport(t stream.Transport) Option {
	return func(eng *Engine) { eng.transport = t }
}

// WithAuthorizer replaces the default topic authorizer.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(eng *Engine) { eng.authorizer = a }
}

// WithEntityOwnership sets the lookup the default authorizer uses for
// entity topics.
func WithEntityOwnership(o auth.EntityOwnership) Option {
	return func(eng *Engine) { eng.entities = o }
}

// WithAlertSink receives every dead letter. Without one dead letters
// are logged.
func WithAlertSink(s alert.Sink) Option {
	return func(eng *Engine) { eng.alertSink = s }
}

// WithoutWorkers makes Init skip the worker pool and reaper, for
// processes that only submit jobs and serve subscribers.
func WithoutWorkers() Option {
	return func(eng *Engine) { eng.noWorkers = true }
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global provider is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware, the observability extension and the broker counters.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New creates an Engine over s.
func New(s store.Store, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, herald.ErrNoStore
	}
	eng := &Engine{
		config:     herald.DefaultConfig(),
		logger:     slog.Default(),
		store:      s,
		extensions: ext.NewRegistry(nil),
		registry:   job.NewRegistry(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	if eng.config.NodeID == "" {
		eng.config.NodeID = id.NewNode()
	}
	logger := eng.logger

	eng.dlqService = dlq.NewService(s, eng)

	// Build the broker. The engine answers job ownership for the
	// default authorizer.
	if eng.authorizer == nil {
		eng.authorizer = &auth.TopicAuthorizer{Entities: eng.entities, Jobs: eng}
	}
	brokerOpts := []stream.BrokerOption{
		stream.WithLogger(logger),
		stream.WithPublishAttempts(eng.config.PublishAttempts),
		stream.WithPublishTimeout(eng.config.PublishTimeout),
	}
	if eng.meterProvider != nil {
		brokerOpts = append(brokerOpts, stream.WithMeter(eng.meterProvider.Meter(instrumentationName+"/stream")))
	}
	eng.broker = stream.NewBroker(eng.transport, eng.authorizer, brokerOpts...)
	eng.extensions.Register(eng.broker)

	if eng.alertSink == nil {
		eng.alertSink = alert.LogSink{Logger: logger}
	}
	eng.extensions.Register(alert.NewExtension(eng.alertSink))

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → principal → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Principal(),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	execOpts := []worker.ExecutorOption{
		worker.WithMiddleware(allMws...),
		worker.WithProgressBuffer(eng.config.ProgressBuffer),
	}
	if eng.meterProvider != nil {
		execOpts = append(execOpts, worker.WithMeter(eng.meterProvider.Meter(instrumentationName+"/worker")))
	}
	eng.executor = worker.NewExecutor(eng.registry, eng.extensions, s, eng.dlqService, logger, execOpts...)
	eng.pool = worker.NewPool(s, eng.registry, eng.executor, eng.extensions, logger,
		worker.WithWorkerID(eng.config.NodeID),
		worker.WithPollInterval(eng.config.PollInterval),
		worker.WithCancelPollInterval(eng.config.CancelPollInterval),
	)
	eng.reaper = reaper.New(s, eng.registry, eng.executor, eng.dlqService,
		reaper.WithInterval(eng.config.ReaperInterval),
		reaper.WithRetention(eng.config.DeadLetterRetention),
		reaper.WithLogger(logger),
	)

	return eng, nil
}

// Register registers a typed job definition. It fails after Init.
func Register[T any](eng *Engine, def *job.Definition[T]) error {
	return job.RegisterDefinition(eng.registry, def)
}

// Init validates and freezes the registry, then starts the worker pool
// and the reaper. Submissions are rejected until Init succeeds.
func (eng *Engine) Init(ctx context.Context) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.started {
		return nil
	}
	if err := eng.registry.Init(); err != nil {
		return err
	}
	if !eng.noWorkers {
		if err := eng.pool.Start(ctx); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
		eng.reaper.Start(ctx)
	}
	eng.started = true

	eng.logger.Info("herald engine started",
		slog.String("node_id", eng.config.NodeID),
		slog.Any("categories", eng.registry.Categories()),
		slog.Bool("workers", !eng.noWorkers),
	)
	return nil
}

// StopWorkers stops this node from leasing new jobs and waits for the
// running ones as Shutdown does. Submissions, status reads, cancels and
// streams keep working, and the reaper keeps reclaiming lost leases.
// Workers cannot be restarted without a new engine.
func (eng *Engine) StopWorkers(ctx context.Context) error {
	eng.mu.Lock()
	started := eng.started
	eng.mu.Unlock()
	if !started || eng.noWorkers {
		return nil
	}

	if _, ok := ctx.Deadline(); !ok && eng.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.config.ShutdownTimeout)
		defer cancel()
	}
	eng.logger.Info("herald workers stopping", slog.String("node_id", eng.config.NodeID))
	return eng.pool.Stop(ctx)
}

// Shutdown drains in-flight jobs, stops the reaper, disconnects
// subscribers and closes the event transport. Without a deadline on
// ctx, the configured shutdown timeout applies.
func (eng *Engine) Shutdown(ctx context.Context) error {
	eng.mu.Lock()
	if !eng.started {
		eng.mu.Unlock()
		return nil
	}
	eng.started = false
	eng.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok && eng.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, eng.config.ShutdownTimeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.pool.Stop(gctx) })
	g.Go(func() error {
		eng.reaper.Stop()
		return nil
	})
	err := g.Wait()

	eng.extensions.EmitShutdown(ctx)
	if cerr := eng.broker.Close(); cerr != nil && err == nil {
		err = cerr
	}
	eng.registry.Shutdown()

	eng.logger.Info("herald engine stopped", slog.String("node_id", eng.config.NodeID))
	return err
}

// Submit enqueues a typed payload for category.
func Submit[T any](ctx context.Context, eng *Engine, category string, payload T, opts ...job.SubmitOption) (string, error) {
	return eng.Submit(ctx, category, payload, opts...)
}

// Submit validates payload against category and enqueues it. payload
// may be the category's payload type, a pointer to it, or raw JSON.
// With job.WithJobID, a repeated submission returns the same id
// without enqueuing again.
func (eng *Engine) Submit(ctx context.Context, category string, payload any, opts ...job.SubmitOption) (string, error) {
	prep, err := eng.registry.Prepare(category, payload)
	if err != nil {
		return "", err
	}
	cfg, err := eng.registry.Config(category)
	if err != nil {
		return "", err
	}

	o := job.ApplySubmitOptions(opts...)
	priority := cfg.DefaultPriority
	if o.Priority != nil {
		priority = *o.Priority
	}
	if err := queue.CheckPriority(priority); err != nil {
		return "", herald.NewValidationError(category, err.Error(), err)
	}
	if o.Delay < 0 {
		return "", herald.NewValidationError(category, "delay must not be negative", nil)
	}
	jobID := o.JobID
	if jobID == "" {
		jobID = id.NewJob()
	} else if err := id.Check(jobID); err != nil {
		return "", herald.NewValidationError(category, "invalid job id", err)
	}

	now := time.Now().UTC()
	r := &job.Record{
		Entity:      herald.Entity{CreatedAt: now, UpdatedAt: now},
		ID:          jobID,
		Category:    category,
		Payload:     prep.Payload,
		Priority:    priority,
		MaxAttempts: cfg.Retry.MaxAttempts,
		State:       job.StateWaiting,
		EnqueuedAt:  now,
		RunAt:       now.Add(o.Delay),
		Owner:       o.Owner,
		Entities:    prep.Entities,
	}

	created, err := eng.store.EnqueueJob(ctx, r)
	if err != nil {
		return "", err
	}
	if !created {
		eng.logger.Debug("duplicate submission ignored",
			slog.String("job_id", jobID),
			slog.String("category", category),
		)
		return jobID, nil
	}

	eng.extensions.EmitJobSubmitted(ctx, r)
	return jobID, nil
}

// SubmitRaw enqueues an already encoded payload. It is the path used by
// dead-letter replay.
func (eng *Engine) SubmitRaw(ctx context.Context, category string, payload json.RawMessage, opts ...job.SubmitOption) (string, error) {
	return eng.Submit(ctx, category, payload, opts...)
}

// GetStatus returns the snapshot a client uses to reconcile after a
// reconnect.
func (eng *Engine) GetStatus(ctx context.Context, jobID string) (job.Status, error) {
	r, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return job.Status{}, err
	}
	return r.Status(), nil
}

// JobOwner returns the subject that submitted jobID.
func (eng *Engine) JobOwner(ctx context.Context, jobID string) (string, error) {
	r, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return r.Owner, nil
}

// RequestCancellation asks for jobID to stop. Only the job's owner or
// an operator may cancel it. A job that has not started is removed from
// its queue at once; a running job is signalled and ends as cancelled
// when its handler returns. Cancelling a finished job is a no-op.
func (eng *Engine) RequestCancellation(ctx context.Context, jobID string, p *auth.Principal) error {
	r, err := eng.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !p.IsOperator() && (!p.Authenticated() || p.Subject != r.Owner) {
		return fmt.Errorf("%w: cancel %s", herald.ErrUnauthorized, jobID)
	}

	updated, dequeued, err := eng.store.RequestCancel(ctx, jobID, time.Now().UTC())
	if err != nil {
		return err
	}
	switch {
	case dequeued:
		eng.extensions.EmitJobCancelled(ctx, updated)
	case updated.State == job.StateActive:
		eng.pool.Cancel(jobID)
	}

	eng.logger.Info("cancellation requested",
		slog.String("job_id", jobID),
		slog.String("state", string(updated.State)),
		slog.String("by", p.Subject),
	)
	return nil
}

// Stats summarizes the queues and the event broker.
type Stats struct {
	NodeID      string                `json:"node_id"`
	Categories  map[string]job.Counts `json:"categories"`
	DeadLetters int64                 `json:"dead_letters"`
	ActiveLocal int                   `json:"active_local"`
	Stream      stream.BrokerStats    `json:"stream"`
}

// Stats collects per-category counts.
func (eng *Engine) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		NodeID:      eng.config.NodeID,
		Categories:  make(map[string]job.Counts),
		ActiveLocal: eng.pool.ActiveJobs(),
		Stream:      eng.broker.Stats(),
	}
	for _, name := range eng.registry.Categories() {
		c, err := eng.store.CountJobs(ctx, name)
		if err != nil {
			return Stats{}, err
		}
		st.Categories[name] = c
	}
	n, err := eng.dlqService.Count(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	st.DeadLetters = n
	return st, nil
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the category registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// DLQ returns the dead-letter service for listing and replay.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlqService }

// Broker returns the event broker.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Reaper returns the reaper, e.g. to run a pass on demand.
func (eng *Engine) Reaper() *reaper.Reaper { return eng.reaper }

// Store returns the backing store.
func (eng *Engine) Store() store.Store { return eng.store }

// Config returns the effective settings.
func (eng *Engine) Config() herald.Config { return eng.config }

func mergeConfig(base, over herald.Config) herald.Config {
	if over.NodeID != "" {
		base.NodeID = over.NodeID
	}
	if over.PollInterval > 0 {
		base.PollInterval = over.PollInterval
	}
	if over.ShutdownTimeout > 0 {
		base.ShutdownTimeout = over.ShutdownTimeout
	}
	if over.ReaperInterval > 0 {
		base.ReaperInterval = over.ReaperInterval
	}
	if over.CancelPollInterval > 0 {
		base.CancelPollInterval = over.CancelPollInterval
	}
	if over.DeadLetterRetention > 0 {
		base.DeadLetterRetention = over.DeadLetterRetention
	}
	if over.PublishAttempts > 0 {
		base.PublishAttempts = over.PublishAttempts
	}
	if over.PublishTimeout > 0 {
		base.PublishTimeout = over.PublishTimeout
	}
	if over.ProgressBuffer > 0 {
		base.ProgressBuffer = over.ProgressBuffer
	}
	return base
}
