package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/herald"
	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/ext"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension       = (*Broker)(nil)
	_ ext.JobSubmitted    = (*Broker)(nil)
	_ ext.JobProgress     = (*Broker)(nil)
	_ ext.JobCompleted    = (*Broker)(nil)
	_ ext.JobRetrying     = (*Broker)(nil)
	_ ext.JobCancelled    = (*Broker)(nil)
	_ ext.JobDeadLettered = (*Broker)(nil)
	_ ext.Shutdown        = (*Broker)(nil)
)

// Defaults for broker options.
const (
	DefaultBufferSize      = 256
	DefaultPublishAttempts = 3
	DefaultPublishTimeout  = 2 * time.Second
)

// Broker authorizes subscriptions and fans events out to connections.
// It implements the ext hooks that publish job lifecycle events.
type Broker struct {
	transport  Transport
	authorizer auth.Authorizer
	topics     *TopicRegistry
	logger     *slog.Logger

	subscribers sync.Map // connID → *Subscriber

	bufferSize int
	attempts   int
	timeout    time.Duration
	retryPause time.Duration

	published atomic.Int64
	dropped   atomic.Int64
	delivered atomic.Int64
	evicted   atomic.Int64

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithLogger sets the broker logger.
func WithLogger(l *slog.Logger) BrokerOption {
	return func(b *Broker) { b.logger = l }
}

// WithBufferSize sets the per-connection event buffer. A connection
// whose buffer is full is disconnected.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithPublishAttempts sets how many times a publish is tried before the
// event is logged and dropped.
func WithPublishAttempts(n int) BrokerOption {
	return func(b *Broker) { b.attempts = n }
}

// WithPublishTimeout bounds each publish attempt.
func WithPublishTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) { b.timeout = d }
}

// WithMeter sets the meter used for publish counters.
func WithMeter(m metric.Meter) BrokerOption {
	return func(b *Broker) { b.initMetrics(m) }
}

// NewBroker creates a broker. A nil transport means a LocalTransport; a
// nil authorizer means a TopicAuthorizer without lookups, under which
// only user topics and operators are reachable.
func NewBroker(transport Transport, authorizer auth.Authorizer, opts ...BrokerOption) *Broker {
	if transport == nil {
		transport = NewLocalTransport()
	}
	if authorizer == nil {
		authorizer = &auth.TopicAuthorizer{}
	}
	b := &Broker{
		transport:  transport,
		authorizer: authorizer,
		topics:     NewTopicRegistry(),
		logger:     slog.Default(),
		bufferSize: DefaultBufferSize,
		attempts:   DefaultPublishAttempts,
		timeout:    DefaultPublishTimeout,
		retryPause: 50 * time.Millisecond,
	}
	b.initMetrics(otel.Meter("github.com/xraph/herald/stream"))
	for _, opt := range opts {
		opt(b)
	}
	if b.attempts < 1 {
		b.attempts = 1
	}
	if b.bufferSize < 1 {
		b.bufferSize = DefaultBufferSize
	}
	transport.Bind(b.deliver)
	return b
}

func (b *Broker) initMetrics(m metric.Meter) {
	b.publishedCounter, _ = m.Int64Counter("herald.stream.published",
		metric.WithDescription("Events handed to the transport"),
		metric.WithUnit("{event}"),
	)
	b.droppedCounter, _ = m.Int64Counter("herald.stream.dropped",
		metric.WithDescription("Events dropped after exhausting publish attempts"),
		metric.WithUnit("{event}"),
	)
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the local topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Connect registers an authenticated connection.
func (b *Broker) Connect(connID string, p *auth.Principal) (*Subscriber, error) {
	if !p.Authenticated() {
		return nil, herald.ErrUnauthenticated
	}
	if connID == "" {
		connID = id.NewConn()
	}
	sub := NewSubscriber(connID, p, b.bufferSize)
	if _, loaded := b.subscribers.LoadOrStore(connID, sub); loaded {
		return nil, fmt.Errorf("stream: connection %q already registered", connID)
	}
	return sub, nil
}

// Subscriber returns a connected subscriber by id.
func (b *Broker) Subscriber(connID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(connID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Subscribe joins a connection to a topic after the authorizer approves
// it. Unknown connections get herald.ErrUnauthenticated, refused topics
// herald.ErrUnauthorized. Subscribing twice is a no-op.
func (b *Broker) Subscribe(ctx context.Context, connID, topic string) error {
	sub, ok := b.Subscriber(connID)
	if !ok {
		return herald.ErrUnauthenticated
	}
	if err := ValidateTopic(topic); err != nil {
		return err
	}

	if err := b.Authorize(ctx, sub.Principal(), topic); err != nil {
		if errors.Is(err, herald.ErrUnauthorized) {
			b.logger.Info("subscription refused",
				slog.String("conn_id", connID),
				slog.String("subject", sub.Principal().Subject),
				slog.String("topic", topic),
			)
		}
		return err
	}

	if !b.topics.Subscribe(topic, sub) {
		return nil
	}
	if err := b.transport.Join(ctx, topic, connID); err != nil {
		b.topics.Unsubscribe(topic, connID)
		return fmt.Errorf("stream: join %s: %w", topic, err)
	}
	if sub.Closed() {
		// Disconnected while joining.
		b.leave(ctx, topic, connID)
	}
	return nil
}

// Authorize asks the authorizer whether p may read topic. A refusal is
// reported as a wrapped herald.ErrUnauthorized.
func (b *Broker) Authorize(ctx context.Context, p *auth.Principal, topic string) error {
	if !p.Authenticated() {
		return herald.ErrUnauthenticated
	}
	allowed, err := b.authorizer.Authorize(ctx, p, topic)
	if err != nil {
		return fmt.Errorf("stream: authorize %s: %w", topic, err)
	}
	if !allowed {
		return fmt.Errorf("%w: %s", herald.ErrUnauthorized, topic)
	}
	return nil
}

// Unsubscribe removes a connection from a topic.
func (b *Broker) Unsubscribe(ctx context.Context, connID, topic string) error {
	if _, ok := b.Subscriber(connID); !ok {
		return herald.ErrUnauthenticated
	}
	b.leave(ctx, topic, connID)
	return nil
}

func (b *Broker) leave(ctx context.Context, topic, connID string) {
	if !b.topics.Unsubscribe(topic, connID) {
		return
	}
	if err := b.transport.Leave(ctx, topic, connID); err != nil {
		b.logger.Warn("transport leave failed",
			slog.String("topic", topic),
			slog.String("conn_id", connID),
			slog.String("error", err.Error()),
		)
	}
}

// Disconnect drops every membership of a connection and closes it.
func (b *Broker) Disconnect(ctx context.Context, connID string) {
	val, ok := b.subscribers.LoadAndDelete(connID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	sub.Close()
	for _, topic := range sub.Topics() {
		b.leave(ctx, topic, connID)
	}
}

// Members returns the members of topic across all processes.
func (b *Broker) Members(ctx context.Context, topic string) ([]string, error) {
	return b.transport.Members(ctx, topic)
}

// Publish hands evt to the transport. Each attempt is bounded by the
// publish timeout; after the last failed attempt the event is logged,
// counted as dropped and the error returned.
func (b *Broker) Publish(ctx context.Context, evt *Event) error {
	if err := ValidateTopic(evt.Topic); err != nil {
		return err
	}
	if evt.ID == "" {
		evt.ID = id.New(id.PrefixEvent)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	var err error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		pctx, cancel := context.WithTimeout(ctx, b.timeout)
		err = b.transport.Publish(pctx, evt)
		cancel()
		if err == nil {
			b.published.Add(1)
			b.publishedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(evt.Type))))
			return nil
		}
		if ctx.Err() != nil || attempt == b.attempts {
			break
		}
		t := time.NewTimer(b.retryPause * time.Duration(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	b.dropped.Add(1)
	b.droppedCounter.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(attribute.String("type", string(evt.Type))))
	b.logger.Warn("event dropped",
		slog.String("topic", evt.Topic),
		slog.String("type", string(evt.Type)),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("stream: publish %s: %w", evt.Topic, err)
}

// deliver hands an event received from the transport to local members.
// Members whose buffer is full are disconnected; their clients
// reconcile through job status after reconnecting.
func (b *Broker) deliver(evt *Event) {
	n, overflowed := b.topics.Publish(evt)
	b.delivered.Add(int64(n))
	for _, sub := range overflowed {
		b.evicted.Add(1)
		b.logger.Warn("subscriber evicted: buffer full",
			slog.String("conn_id", sub.ID()),
			slog.String("topic", evt.Topic),
		)
		b.Disconnect(context.Background(), sub.ID())
	}
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.published.Load(),
		TotalDropped:    b.dropped.Load(),
		TotalDelivered:  b.delivered.Load(),
		TotalEvicted:    b.evicted.Load(),
	}
}

// BrokerStats contains broker counters.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
	TotalDelivered  int64 `json:"total_delivered"`
	TotalEvicted    int64 `json:"total_evicted"`
}

// Close disconnects every connection and closes the transport.
func (b *Broker) Close() error {
	b.disconnectAll(context.Background())
	return b.transport.Close()
}

func (b *Broker) disconnectAll(ctx context.Context) {
	b.subscribers.Range(func(key, _ any) bool {
		b.Disconnect(ctx, key.(string)) //nolint:errcheck // keys are always strings
		return true
	})
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// publishJob publishes one event to every topic of r in order.
func (b *Broker) publishJob(ctx context.Context, typ EventType, r *job.Record, data JobEventData) {
	raw := mustMarshal(data)
	now := time.Now().UTC()
	for _, topic := range JobTopics(r) {
		_ = b.Publish(ctx, &Event{Type: typ, Topic: topic, Timestamp: now, Data: raw}) //nolint:errcheck // logged and counted by Publish
	}
}

func jobData(r *job.Record) JobEventData {
	return JobEventData{
		JobID:    r.ID,
		Category: r.Category,
		State:    r.State,
		Progress: r.Progress,
		Message:  r.Message,
	}
}

func intPtr(n int) *int { return &n }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobSubmitted implements ext.JobSubmitted.
func (b *Broker) OnJobSubmitted(ctx context.Context, r *job.Record) error {
	b.publishJob(ctx, EventJobSubmitted, r, jobData(r))
	return nil
}

// OnJobProgress implements ext.JobProgress.
func (b *Broker) OnJobProgress(ctx context.Context, r *job.Record, percent int, message string) error {
	data := jobData(r)
	data.Progress = percent
	data.Message = message
	data.Attempt = r.AttemptsMade + 1
	b.publishJob(ctx, EventJobProgress, r, data)
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (b *Broker) OnJobCompleted(ctx context.Context, r *job.Record, elapsed time.Duration) error {
	data := jobData(r)
	data.Result = r.Result
	data.ElapsedMs = elapsed.Milliseconds()
	b.publishJob(ctx, EventJobComplete, r, data)
	return nil
}

// OnJobRetrying implements ext.JobRetrying. Subscribers see a soft
// failure with the remaining retries.
func (b *Broker) OnJobRetrying(ctx context.Context, r *job.Record, jobErr error, nextRunAt time.Time) error {
	data := jobData(r)
	data.Error = errString(jobErr)
	data.FailureKind = job.FailureTransient
	data.Attempt = r.AttemptsMade
	data.RetriesLeft = intPtr(r.RetriesLeft())
	data.NextRunAt = &nextRunAt
	b.publishJob(ctx, EventJobFailed, r, data)
	return nil
}

// OnJobCancelled implements ext.JobCancelled.
func (b *Broker) OnJobCancelled(ctx context.Context, r *job.Record) error {
	data := jobData(r)
	data.FailureKind = job.FailureCancelled
	data.Error = r.LastError
	b.publishJob(ctx, EventJobCancelled, r, data)
	return nil
}

// OnJobDeadLettered implements ext.JobDeadLettered. The terminal
// failure is published to the job's topics and an alert to operators.
func (b *Broker) OnJobDeadLettered(ctx context.Context, r *job.Record, entry *dlq.Entry) error {
	data := jobData(r)
	data.Error = entry.Error
	data.FailureKind = entry.FailureKind
	data.Attempt = entry.Attempts
	data.RetriesLeft = intPtr(0)
	b.publishJob(ctx, EventJobFailed, r, data)

	_ = b.Publish(ctx, &Event{ //nolint:errcheck // logged and counted by Publish
		Type:  EventOperatorsAlert,
		Topic: TopicOperators,
		Data: mustMarshal(AlertData{
			Category:    entry.Category,
			JobID:       entry.JobID,
			EntryID:     entry.ID,
			Error:       entry.Error,
			Attempts:    entry.Attempts,
			FailureKind: entry.FailureKind,
			Owner:       entry.Owner,
			FailedAt:    entry.FailedAt,
		}),
	})
	return nil
}

// OnShutdown implements ext.Shutdown.
func (b *Broker) OnShutdown(ctx context.Context) error {
	b.disconnectAll(ctx)
	b.logger.Info("stream broker shut down")
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsRefused reports whether err is a subscription refusal.
func IsRefused(err error) bool {
	return errors.Is(err, herald.ErrUnauthorized) || errors.Is(err, herald.ErrUnauthenticated) || errors.Is(err, ErrInvalidTopic)
}
