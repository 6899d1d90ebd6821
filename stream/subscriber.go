package stream

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xraph/herald/auth"
)

type sendResult int

const (
	sendOK sendResult = iota
	sendClosed
	sendFull
)

// Subscriber is one authenticated connection. Events for its topics
// arrive on C; the channel is closed when the connection is
// disconnected, including when the broker evicts it for falling behind.
type Subscriber struct {
	id        string
	principal *auth.Principal

	ch chan *Event

	topics map[string]struct{}
	mu     sync.RWMutex

	// sendMu orders sends against Close.
	sendMu sync.RWMutex
	closed atomic.Bool
}

// NewSubscriber creates a subscriber with the given buffer size.
func NewSubscriber(id string, principal *auth.Principal, bufferSize int) *Subscriber {
	return &Subscriber{
		id:        id,
		principal: principal,
		ch:        make(chan *Event, bufferSize),
		topics:    make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (s *Subscriber) ID() string { return s.id }

// Principal returns the authenticated principal of the connection.
func (s *Subscriber) Principal() *auth.Principal { return s.principal }

// C returns the read-only event channel.
func (s *Subscriber) C() <-chan *Event { return s.ch }

func (s *Subscriber) addTopic(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscriber) removeTopic(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Topics returns the subscribed topic names, sorted.
func (s *Subscriber) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// send delivers an event without blocking.
func (s *Subscriber) send(evt *Event) sendResult {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return sendClosed
	}
	select {
	case s.ch <- evt:
		return sendOK
	default:
		return sendFull
	}
}

// Closed reports whether the subscriber has been closed.
func (s *Subscriber) Closed() bool { return s.closed.Load() }

// Close closes the event channel. Safe to call multiple times.
func (s *Subscriber) Close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}
