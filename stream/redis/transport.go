// Package redis implements stream.Transport over Redis pub/sub so a
// topic spans every process connected to the same Redis.
//
// Each topic maps to the channel "topic:{name}". A process subscribes to
// the channel when its first local member joins and unsubscribes when
// the last one leaves. Membership is mirrored in the set
// "topic:{name}:members", whose TTL is refreshed on every join so sets
// left behind by crashed processes expire.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald/stream"
)

var _ stream.Transport = (*Transport)(nil)

// Defaults for transport options.
const (
	// DefaultMemberTTL is how long a membership set outlives its last join.
	DefaultMemberTTL = 24 * time.Hour

	// DefaultSubscribeTimeout bounds how long Join waits for Redis to
	// confirm a channel subscription.
	DefaultSubscribeTimeout = 5 * time.Second
)

// Option configures the Transport.
type Option func(*Transport)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// WithKeyPrefix prepends prefix to every key and channel name.
func WithKeyPrefix(prefix string) Option {
	return func(t *Transport) { t.prefix = prefix }
}

// WithMemberTTL sets the TTL of membership sets.
func WithMemberTTL(d time.Duration) Option {
	return func(t *Transport) { t.memberTTL = d }
}

// WithSubscribeTimeout bounds how long Join waits for a subscription
// to be confirmed.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(t *Transport) { t.subscribeTimeout = d }
}

// Transport is a Redis pub/sub stream.Transport.
type Transport struct {
	client           goredis.UniversalClient
	logger           *slog.Logger
	prefix           string
	memberTTL        time.Duration
	subscribeTimeout time.Duration

	mu      sync.Mutex
	ps      *goredis.PubSub
	done    chan struct{}
	local   map[string]int           // topic → local member count
	pending map[string]chan struct{} // channel → closed once Redis confirms SUBSCRIBE
	deliver stream.DeliverFunc
	closed  bool
}

// New creates a transport. The caller owns the client lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client:           client,
		logger:           slog.Default(),
		memberTTL:        DefaultMemberTTL,
		subscribeTimeout: DefaultSubscribeTimeout,
		local:            make(map[string]int),
		pending:          make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) channel(topic string) string { return t.prefix + "topic:" + topic }

func (t *Transport) membersKey(topic string) string { return t.prefix + "topic:" + topic + ":members" }

// Bind implements stream.Transport.
func (t *Transport) Bind(deliver stream.DeliverFunc) {
	t.mu.Lock()
	t.deliver = deliver
	t.mu.Unlock()
}

// Publish implements stream.Transport.
func (t *Transport) Publish(ctx context.Context, evt *stream.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("herald/redis: encode event: %w", err)
	}
	if err := t.client.Publish(ctx, t.channel(evt.Topic), data).Err(); err != nil {
		return fmt.Errorf("herald/redis: publish: %w", err)
	}
	return nil
}

// Join implements stream.Transport. It returns once Redis has confirmed
// the channel subscription, so an event published after Join returns
// reaches this process. A member joining while the first subscription
// is still unconfirmed waits for the same confirmation.
func (t *Transport) Join(ctx context.Context, topic, member string) error {
	key := t.membersKey(topic)
	pipe := t.client.TxPipeline()
	pipe.SAdd(ctx, key, member)
	pipe.PExpire(ctx, key, t.memberTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("herald/redis: join %s: %w", topic, err)
	}

	channel := t.channel(topic)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("herald/redis: transport closed")
	}
	t.local[topic]++
	if t.local[topic] == 1 {
		t.pending[channel] = make(chan struct{})

		subCtx := context.WithoutCancel(ctx)
		var err error
		if t.ps == nil {
			t.ps = t.client.Subscribe(subCtx, channel)
			t.done = make(chan struct{})
			go t.run(t.ps, t.done)
		} else {
			err = t.ps.Subscribe(subCtx, channel)
		}
		if err != nil {
			delete(t.local, topic)
			delete(t.pending, channel)
			t.mu.Unlock()
			t.client.SRem(ctx, key, member)
			return fmt.Errorf("herald/redis: subscribe %s: %w", topic, err)
		}
	}
	ready, waiting := t.pending[channel]
	t.mu.Unlock()

	if !waiting {
		return nil
	}
	return t.awaitSubscribed(ctx, topic, member, ready)
}

// awaitSubscribed blocks until ready closes. On timeout or
// cancellation the membership is rolled back.
func (t *Transport) awaitSubscribed(ctx context.Context, topic, member string, ready <-chan struct{}) error {
	timer := time.NewTimer(t.subscribeTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-timer.C:
		err = fmt.Errorf("no confirmation after %s", t.subscribeTimeout)
	}
	if lerr := t.Leave(context.WithoutCancel(ctx), topic, member); lerr != nil {
		t.logger.Warn("rollback of unconfirmed join failed",
			slog.String("topic", topic),
			slog.String("error", lerr.Error()),
		)
	}
	return fmt.Errorf("herald/redis: subscribe %s: %w", topic, err)
}

// confirm releases the joiners waiting on channel.
func (t *Transport) confirm(channel string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ready, ok := t.pending[channel]; ok {
		close(ready)
		delete(t.pending, channel)
	}
}

// Leave implements stream.Transport.
func (t *Transport) Leave(ctx context.Context, topic, member string) error {
	srem := t.client.SRem(ctx, t.membersKey(topic), member).Err()

	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.local[topic]; ok {
		if n > 1 {
			t.local[topic] = n - 1
		} else {
			delete(t.local, topic)
			delete(t.pending, t.channel(topic))
			if t.ps != nil {
				if err := t.ps.Unsubscribe(context.WithoutCancel(ctx), t.channel(topic)); err != nil {
					return fmt.Errorf("herald/redis: unsubscribe %s: %w", topic, err)
				}
			}
		}
	}
	if srem != nil {
		return fmt.Errorf("herald/redis: leave %s: %w", topic, srem)
	}
	return nil
}

// Members implements stream.Transport.
func (t *Transport) Members(ctx context.Context, topic string) ([]string, error) {
	members, err := t.client.SMembers(ctx, t.membersKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("herald/redis: members %s: %w", topic, err)
	}
	sort.Strings(members)
	return members, nil
}

// LocalTopics returns the topics this process is subscribed to.
func (t *Transport) LocalTopics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.local))
	for topic := range t.local {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (t *Transport) run(ps *goredis.PubSub, done chan struct{}) {
	defer close(done)
	for msg := range ps.ChannelWithSubscriptions() {
		switch m := msg.(type) {
		case *goredis.Subscription:
			// Also seen again after go-redis resubscribes on reconnect.
			if m.Kind == "subscribe" {
				t.confirm(m.Channel)
			}
		case *goredis.Message:
			t.handle(m)
		}
	}
}

func (t *Transport) handle(msg *goredis.Message) {
	var evt stream.Event
	if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
		t.logger.Warn("undecodable stream event",
			slog.String("channel", msg.Channel),
			slog.String("error", err.Error()),
		)
		return
	}
	t.mu.Lock()
	deliver := t.deliver
	t.mu.Unlock()
	if deliver != nil {
		deliver(&evt)
	}
}

// Close unsubscribes from every channel and stops delivery. It does not
// close the Redis client.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ps, done := t.ps, t.done
	t.ps = nil
	t.local = make(map[string]int)
	t.pending = make(map[string]chan struct{})
	t.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}
