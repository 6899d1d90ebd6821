package stream

import (
	"context"
	"sort"
	"sync"
)

// DeliverFunc hands an event received from the transport to the local
// members of its topic.
type DeliverFunc func(evt *Event)

// Transport carries events between processes and mirrors topic
// membership where every process can see it. A transport only receives
// events for topics that have at least one local member.
type Transport interface {
	// Bind installs the function received events are handed to. The
	// broker calls it once, before any other method.
	Bind(deliver DeliverFunc)

	// Publish sends evt to every process with members on evt.Topic.
	Publish(ctx context.Context, evt *Event) error

	// Join records member on topic. The first local member starts
	// delivery of the topic to this process; Join returns only once
	// that delivery is live.
	Join(ctx context.Context, topic, member string) error

	// Leave removes member from topic. The last local member stops
	// delivery of the topic to this process.
	Leave(ctx context.Context, topic, member string) error

	// Members returns the members of topic across all processes.
	Members(ctx context.Context, topic string) ([]string, error)

	// Close releases the transport.
	Close() error
}

// LocalTransport is an in-process Transport. Events published through
// it reach only subscribers of the same broker.
type LocalTransport struct {
	mu      sync.RWMutex
	deliver DeliverFunc
	members map[string]map[string]struct{}
}

var _ Transport = (*LocalTransport)(nil)

// NewLocalTransport creates an in-process transport.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{members: make(map[string]map[string]struct{})}
}

// Bind implements Transport.
func (t *LocalTransport) Bind(deliver DeliverFunc) {
	t.mu.Lock()
	t.deliver = deliver
	t.mu.Unlock()
}

// Publish implements Transport. Delivery is synchronous.
func (t *LocalTransport) Publish(ctx context.Context, evt *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	deliver := t.deliver
	_, joined := t.members[evt.Topic]
	t.mu.RUnlock()
	if deliver != nil && joined {
		deliver(evt)
	}
	return nil
}

// Join implements Transport.
func (t *LocalTransport) Join(_ context.Context, topic, member string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.members[topic]
	if !ok {
		m = make(map[string]struct{})
		t.members[topic] = m
	}
	m[member] = struct{}{}
	return nil
}

// Leave implements Transport.
func (t *LocalTransport) Leave(_ context.Context, topic, member string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.members[topic]; ok {
		delete(m, member)
		if len(m) == 0 {
			delete(t.members, topic)
		}
	}
	return nil
}

// Members implements Transport.
func (t *LocalTransport) Members(_ context.Context, topic string) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.members[topic]))
	for m := range t.members[topic] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Transport.
func (t *LocalTransport) Close() error { return nil }
