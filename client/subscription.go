package client

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/herald/gateway"
	"github.com/xraph/herald/stream"
)

// Subscribe joins a topic and returns a channel of its events. The
// channel stays open across reconnects; it is closed by Unsubscribe,
// by Close, or when the topic can no longer be joined.
//
// Topics follow the stream convention:
//   - "job:<jobID>"       events of one job
//   - "entity:<entityID>" events of jobs touching a business entity
//   - "user:<subject>"    events of jobs submitted by a user
//   - "operators"         operator alerts
func (c *Client) Subscribe(ctx context.Context, topic string) (<-chan *stream.Event, error) {
	if err := stream.ValidateTopic(topic); err != nil {
		return nil, err
	}

	// Register first so events racing the response are not lost.
	c.subsMu.Lock()
	ch, existed := c.subs[topic]
	if !existed {
		ch = make(chan *stream.Event, c.bufferSize)
		c.subs[topic] = ch
	}
	c.subsMu.Unlock()

	if _, err := c.request(ctx, gateway.MethodSubscribe, gateway.SubscribeRequest{Topic: topic}); err != nil {
		if !existed {
			c.dropSubscription(topic)
		}
		return nil, fmt.Errorf("subscribe to %q: %w", topic, err)
	}
	return ch, nil
}

// WatchJob subscribes to a job's topic and immediately delivers its
// current status, so the first event on the channel is always a
// stream.EventJobStatus snapshot.
func (c *Client) WatchJob(ctx context.Context, jobID string) (<-chan *stream.Event, error) {
	topic := stream.JobTopic(jobID)
	ch, err := c.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}
	c.reconcile(ctx, topic, jobID)
	return ch, nil
}

// Unsubscribe leaves a topic and closes its channel.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	_, err := c.request(ctx, gateway.MethodUnsubscribe, gateway.UnsubscribeRequest{Topic: topic})

	// Close and remove the local channel regardless.
	c.dropSubscription(topic)
	return err
}

// deliver hands evt to the topic's channel without blocking. Events for
// a full channel are dropped; watchers catch up from the status
// snapshot delivered after the next reconnect.
func (c *Client) deliver(evt *stream.Event) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	ch, ok := c.subs[evt.Topic]
	if !ok {
		return
	}
	select {
	case ch <- evt:
	default:
		c.logger.Warn("herald client: subscriber slow, event dropped",
			slog.String("topic", evt.Topic),
			slog.String("type", string(evt.Type)),
		)
	}
}

func (c *Client) topics() []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		out = append(out, topic)
	}
	return out
}

func (c *Client) dropSubscription(topic string) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if ch, ok := c.subs[topic]; ok {
		close(ch)
		delete(c.subs, topic)
	}
}

func (c *Client) closeSubscriptions() {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for topic, ch := range c.subs {
		close(ch)
		delete(c.subs, topic)
	}
}
