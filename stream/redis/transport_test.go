package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald"
	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/stream"
	streamredis "github.com/xraph/herald/stream/redis"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newProcess builds a broker with its own Redis client, as a separate
// process would.
func newProcess(t *testing.T, mr *miniredis.Miniredis) *stream.Broker {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	tr := streamredis.New(client, streamredis.WithLogger(testLogger()), streamredis.WithMemberTTL(time.Hour))
	b := stream.NewBroker(tr, auth.AllowAll, stream.WithLogger(testLogger()))
	t.Cleanup(func() {
		_ = b.Close()
		_ = client.Close()
	})
	return b
}

func waitSubscribed(t *testing.T, mr *miniredis.Miniredis, channel string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if mr.PubSubNumSub(channel)[channel] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %s: subscribers = %d, want %d", channel, mr.PubSubNumSub(channel)[channel], want)
}

func jsonProgress(p int) (json.RawMessage, error) {
	return json.Marshal(stream.JobEventData{JobID: "job_1", Progress: p})
}

func TestCrossProcessFanOut(t *testing.T) {
	mr := miniredis.RunT(t)
	api := newProcess(t, mr)
	worker := newProcess(t, mr)
	ctx := context.Background()

	sub, err := api.Connect("c1", &auth.Principal{Subject: "user_1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := api.Subscribe(ctx, "c1", stream.JobTopic("job_1")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 1; i <= 20; i++ {
		data, _ := jsonProgress(i)
		if err := worker.Publish(ctx, &stream.Event{Type: stream.EventJobProgress, Topic: stream.JobTopic("job_1"), Data: data}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	for want := 1; want <= 20; want++ {
		select {
		case evt := <-sub.C():
			var d stream.JobEventData
			if err := evt.Decode(&d); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if d.Progress != want {
				t.Fatalf("progress = %d, want %d (events out of order)", d.Progress, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

// An event published by another process right after Subscribe returns
// must be delivered: Subscribe does not return before the Redis
// subscription is live.
func TestSubscribeLiveOnReturn(t *testing.T) {
	mr := miniredis.RunT(t)
	api := newProcess(t, mr)
	worker := newProcess(t, mr)
	ctx := context.Background()

	sub, err := api.Connect("c1", &auth.Principal{Subject: "user_1"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := range 25 {
		topic := stream.JobTopic(fmt.Sprintf("job_%d", i))
		if err := api.Subscribe(ctx, "c1", topic); err != nil {
			t.Fatalf("Subscribe(%s): %v", topic, err)
		}
		if err := worker.Publish(ctx, &stream.Event{Type: stream.EventJobComplete, Topic: topic}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
		select {
		case evt := <-sub.C():
			if evt.Topic != topic {
				t.Fatalf("event topic = %s, want %s", evt.Topic, topic)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event on %s published right after Subscribe was lost", topic)
		}
	}
}

// A second local member joining before the first subscription is
// confirmed also waits for it.
func TestConcurrentJoinsWaitForConfirmation(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tr := streamredis.New(client, streamredis.WithLogger(testLogger()))
	t.Cleanup(func() { _ = tr.Close() })
	ctx := context.Background()

	errs := make(chan error, 8)
	for i := range 8 {
		go func() { errs <- tr.Join(ctx, "job:j1", fmt.Sprintf("c%d", i)) }()
	}
	for range 8 {
		if err := <-errs; err != nil {
			t.Fatalf("Join: %v", err)
		}
		if n := mr.PubSubNumSub("topic:job:j1")["topic:job:j1"]; n != 1 {
			t.Fatalf("Join returned with %d channel subscribers, want 1", n)
		}
	}
}

func TestFailedJoinLeavesNoLocalTopic(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	tr := streamredis.New(client,
		streamredis.WithLogger(testLogger()),
		streamredis.WithSubscribeTimeout(100*time.Millisecond),
	)
	t.Cleanup(func() { _ = tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Join(ctx, "job:j1", "c1"); err == nil {
		t.Fatal("expected Join with a cancelled context to fail")
	}
	if topics := tr.LocalTopics(); len(topics) != 0 {
		t.Errorf("LocalTopics after failed join = %v, want none", topics)
	}
}

func TestMembershipMirroredWithTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newProcess(t, mr)
	ctx := context.Background()

	if _, err := b.Connect("c1", &auth.Principal{Subject: "user_1"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := b.Connect("c2", &auth.Principal{Subject: "user_1"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, c := range []string{"c1", "c2"} {
		if err := b.Subscribe(ctx, c, stream.UserTopic("user_1")); err != nil {
			t.Fatalf("Subscribe(%s): %v", c, err)
		}
	}

	key := "topic:user:user_1:members"
	members, err := mr.Members(key)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v, want c1 and c2", members)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > time.Hour {
		t.Errorf("TTL = %v, want (0, 1h]", ttl)
	}
	if n := mr.PubSubNumSub("topic:user:user_1")["topic:user:user_1"]; n != 1 {
		t.Errorf("channel subscribers = %d, want 1", n)
	}

	b.Disconnect(ctx, "c1")
	got, _ := b.Members(ctx, stream.UserTopic("user_1"))
	if len(got) != 1 || got[0] != "c2" {
		t.Fatalf("Members after first disconnect = %v, want [c2]", got)
	}
	waitSubscribed(t, mr, "topic:user:user_1", 1)

	b.Disconnect(ctx, "c2")
	waitSubscribed(t, mr, "topic:user:user_1", 0)
	if mr.Exists(key) {
		t.Error("expected empty membership set to be gone")
	}
}

func TestKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	tr := streamredis.New(client, streamredis.WithKeyPrefix("tenant-a:"))
	t.Cleanup(func() { _ = tr.Close() })
	ctx := context.Background()

	if err := tr.Join(ctx, "job:j1", "c1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if !mr.Exists("tenant-a:topic:job:j1:members") {
		t.Fatal("prefixed membership key missing")
	}
	if n := mr.PubSubNumSub("tenant-a:topic:job:j1")["tenant-a:topic:job:j1"]; n != 1 {
		t.Errorf("channel subscribers = %d, want 1", n)
	}
	if topics := tr.LocalTopics(); len(topics) != 1 || topics[0] != "job:j1" {
		t.Errorf("LocalTopics = %v", topics)
	}
}

func TestPublishFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	b := stream.NewBroker(streamredis.New(client), auth.AllowAll,
		stream.WithLogger(testLogger()),
		stream.WithPublishAttempts(2),
		stream.WithPublishTimeout(200*time.Millisecond),
	)
	mr.Close()

	err := b.Publish(context.Background(), &stream.Event{Type: stream.EventJobProgress, Topic: stream.JobTopic("j")})
	if err == nil {
		t.Fatal("expected publish to fail")
	}
	if got := b.Stats().TotalDropped; got != 1 {
		t.Errorf("TotalDropped = %d, want 1", got)
	}
}

func TestUnauthorizedNeverJoins(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := stream.NewBroker(streamredis.New(client), &auth.TopicAuthorizer{}, stream.WithLogger(testLogger()))
	t.Cleanup(func() { _ = b.Close() })

	if _, err := b.Connect("c1", &auth.Principal{Subject: "user_2"}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := b.Subscribe(context.Background(), "c1", stream.EntityTopic("brand_1"))
	if !errors.Is(err, herald.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if mr.Exists("topic:entity:brand_1:members") {
		t.Error("refused subscription must not create membership")
	}
}
