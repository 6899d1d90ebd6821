package stream_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type entityOwners map[string]string

func (e entityOwners) OwnsEntity(_ context.Context, subject, entityID string) (bool, error) {
	return e[entityID] == subject, nil
}

type jobOwners map[string]string

func (o jobOwners) JobOwner(_ context.Context, jobID string) (string, error) {
	owner, ok := o[jobID]
	if !ok {
		return "", herald.ErrJobNotFound
	}
	return owner, nil
}

func newBroker(t *testing.T, opts ...stream.BrokerOption) *stream.Broker {
	t.Helper()
	authz := &auth.TopicAuthorizer{
		Entities: entityOwners{"brand_1": "user_1"},
		Jobs:     jobOwners{"job_1": "user_1"},
	}
	opts = append([]stream.BrokerOption{stream.WithLogger(testLogger())}, opts...)
	b := stream.NewBroker(stream.NewLocalTransport(), authz, opts...)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func connect(t *testing.T, b *stream.Broker, connID, subject string, scopes ...string) *stream.Subscriber {
	t.Helper()
	sub, err := b.Connect(connID, &auth.Principal{Subject: subject, Scopes: scopes})
	if err != nil {
		t.Fatalf("Connect(%s): %v", connID, err)
	}
	return sub
}

func receive(t *testing.T, sub *stream.Subscriber) *stream.Event {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		if !ok {
			t.Fatal("subscriber channel closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNone(t *testing.T, sub *stream.Subscriber) {
	t.Helper()
	select {
	case evt, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected event %s on %s", evt.Type, evt.Topic)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func testRecord() *job.Record {
	return &job.Record{
		ID:          "job_1",
		Category:    "logo-generation",
		State:       job.StateActive,
		MaxAttempts: 3,
		Owner:       "user_1",
		Entities:    []string{"brand_1"},
	}
}

func TestConnectRequiresPrincipal(t *testing.T) {
	t.Parallel()
	b := newBroker(t)

	if _, err := b.Connect("c1", nil); !errors.Is(err, herald.ErrUnauthenticated) {
		t.Fatalf("nil principal: err = %v, want ErrUnauthenticated", err)
	}
	if _, err := b.Connect("c1", &auth.Principal{}); !errors.Is(err, herald.ErrUnauthenticated) {
		t.Fatalf("empty subject: err = %v, want ErrUnauthenticated", err)
	}
	connect(t, b, "c1", "user_1")
	if _, err := b.Connect("c1", &auth.Principal{Subject: "user_1"}); err == nil {
		t.Fatal("expected duplicate connection id to fail")
	}
}

func TestSubscribeUnknownConnection(t *testing.T) {
	t.Parallel()
	b := newBroker(t)

	err := b.Subscribe(context.Background(), "nope", stream.UserTopic("user_1"))
	if !errors.Is(err, herald.ErrUnauthenticated) {
		t.Fatalf("err = %v, want ErrUnauthenticated", err)
	}
}

func TestSubscribeAndPublish(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	sub := connect(t, b, "c1", "user_1")

	if err := b.Subscribe(ctx, "c1", stream.JobTopic("job_1")); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Publish(ctx, &stream.Event{Type: stream.EventJobProgress, Topic: stream.JobTopic("job_1")}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	evt := receive(t, sub)
	if evt.Type != stream.EventJobProgress {
		t.Errorf("Type = %q, want %q", evt.Type, stream.EventJobProgress)
	}
	if evt.ID == "" || evt.Timestamp.IsZero() {
		t.Error("expected Publish to stamp id and timestamp")
	}
}

func TestSubscribeUnauthorized(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	intruder := connect(t, b, "c2", "user_2")

	for _, topic := range []string{
		stream.EntityTopic("brand_1"),
		stream.JobTopic("job_1"),
		stream.UserTopic("user_1"),
		stream.TopicOperators,
	} {
		err := b.Subscribe(ctx, "c2", topic)
		if !errors.Is(err, herald.ErrUnauthorized) {
			t.Errorf("Subscribe(%s) err = %v, want ErrUnauthorized", topic, err)
		}
	}

	_ = b.Publish(ctx, &stream.Event{Type: stream.EventJobProgress, Topic: stream.EntityTopic("brand_1")})
	expectNone(t, intruder)
}

func TestSubscribeInvalidTopic(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	connect(t, b, "c1", "user_1", auth.ScopeOperator)

	err := b.Subscribe(context.Background(), "c1", "firehose")
	if !errors.Is(err, stream.ErrInvalidTopic) {
		t.Fatalf("err = %v, want ErrInvalidTopic", err)
	}
	if !stream.IsRefused(err) {
		t.Error("expected invalid topic to count as refused")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	sub := connect(t, b, "c1", "user_1")
	topic := stream.UserTopic("user_1")

	if err := b.Subscribe(ctx, "c1", topic); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Unsubscribe(ctx, "c1", topic); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	_ = b.Publish(ctx, &stream.Event{Type: stream.EventJobSubmitted, Topic: topic})
	expectNone(t, sub)
}

func TestDisconnectDropsMemberships(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()
	sub := connect(t, b, "c1", "user_1")

	for _, topic := range []string{stream.UserTopic("user_1"), stream.JobTopic("job_1")} {
		if err := b.Subscribe(ctx, "c1", topic); err != nil {
			t.Fatalf("Subscribe(%s): %v", topic, err)
		}
	}
	members, err := b.Members(ctx, stream.JobTopic("job_1"))
	if err != nil || len(members) != 1 || members[0] != "c1" {
		t.Fatalf("Members = %v, %v; want [c1]", members, err)
	}

	b.Disconnect(ctx, "c1")

	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel after disconnect")
	}
	members, _ = b.Members(ctx, stream.JobTopic("job_1"))
	if len(members) != 0 {
		t.Errorf("Members after disconnect = %v, want none", members)
	}
	if n := b.Topics().TopicCount(); n != 0 {
		t.Errorf("TopicCount = %d, want 0", n)
	}
	if err := b.Subscribe(ctx, "c1", stream.UserTopic("user_1")); !errors.Is(err, herald.ErrUnauthenticated) {
		t.Errorf("Subscribe after disconnect err = %v, want ErrUnauthenticated", err)
	}
}

type failingTransport struct {
	*stream.LocalTransport
	calls atomic.Int32
}

func (f *failingTransport) Publish(context.Context, *stream.Event) error {
	f.calls.Add(1)
	return errors.New("connection refused")
}

func TestPublishDropsAfterAttempts(t *testing.T) {
	t.Parallel()
	tr := &failingTransport{LocalTransport: stream.NewLocalTransport()}
	b := stream.NewBroker(tr, nil,
		stream.WithLogger(testLogger()),
		stream.WithPublishAttempts(3),
		stream.WithPublishTimeout(50*time.Millisecond),
	)

	err := b.Publish(context.Background(), &stream.Event{Type: stream.EventJobProgress, Topic: stream.JobTopic("j")})
	if err == nil {
		t.Fatal("expected publish error")
	}
	if got := tr.calls.Load(); got != 3 {
		t.Errorf("transport calls = %d, want 3", got)
	}
	stats := b.Stats()
	if stats.TotalDropped != 1 || stats.TotalPublished != 0 {
		t.Errorf("stats = %+v, want 1 dropped, 0 published", stats)
	}
}

func TestJobHooksReachEveryTopicInOrder(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	ctx := context.Background()

	jobSub := connect(t, b, "c-job", "user_1")
	entitySub := connect(t, b, "c-entity", "user_1")
	userSub := connect(t, b, "c-user", "user_1")
	mustSubscribe(t, b, "c-job", stream.JobTopic("job_1"))
	mustSubscribe(t, b, "c-entity", stream.EntityTopic("brand_1"))
	mustSubscribe(t, b, "c-user", stream.UserTopic("user_1"))

	r := testRecord()
	for _, p := range []int{10, 50, 90} {
		_ = b.OnJobProgress(ctx, r, p, "working")
	}
	r.State = job.StateCompleted
	r.Progress = 100
	r.Result = []byte(`{"url":"https://cdn/logo.png"}`)
	_ = b.OnJobCompleted(ctx, r, time.Second)

	for _, sub := range []*stream.Subscriber{jobSub, entitySub, userSub} {
		for _, want := range []int{10, 50, 90} {
			evt := receive(t, sub)
			var data stream.JobEventData
			if err := evt.Decode(&data); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if evt.Type != stream.EventJobProgress || data.Progress != want {
				t.Fatalf("%s: got %s/%d, want progress %d", sub.ID(), evt.Type, data.Progress, want)
			}
		}
		evt := receive(t, sub)
		if evt.Type != stream.EventJobComplete {
			t.Fatalf("%s: got %s, want %s", sub.ID(), evt.Type, stream.EventJobComplete)
		}
		var data stream.JobEventData
		_ = evt.Decode(&data)
		if string(data.Result) != `{"url":"https://cdn/logo.png"}` {
			t.Errorf("Result = %s", data.Result)
		}
	}
}

func TestRetryingPublishesRetriesLeft(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	sub := connect(t, b, "c1", "user_1")
	mustSubscribe(t, b, "c1", stream.JobTopic("job_1"))

	r := testRecord()
	r.State = job.StateWaiting
	r.AttemptsMade = 1
	_ = b.OnJobRetrying(context.Background(), r, errors.New("upstream 503"), time.Now().Add(time.Second))

	evt := receive(t, sub)
	var data stream.JobEventData
	_ = evt.Decode(&data)
	if evt.Type != stream.EventJobFailed {
		t.Fatalf("Type = %s, want %s", evt.Type, stream.EventJobFailed)
	}
	if data.RetriesLeft == nil || *data.RetriesLeft != 2 {
		t.Fatalf("RetriesLeft = %v, want 2", data.RetriesLeft)
	}
	if data.Error != "upstream 503" {
		t.Errorf("Error = %q", data.Error)
	}
}

func TestDeadLetterAlertsOperators(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	jobSub := connect(t, b, "c1", "user_1")
	ops := connect(t, b, "c-ops", "oncall", auth.ScopeOperator)
	mustSubscribe(t, b, "c1", stream.JobTopic("job_1"))
	mustSubscribe(t, b, "c-ops", stream.TopicOperators)

	r := testRecord()
	r.State = job.StateDeadLettered
	r.AttemptsMade = 3
	entry := &dlq.Entry{
		ID: "dlq_1", JobID: "job_1", Category: "logo-generation",
		Error: "model timeout", FailureKind: job.FailureExhausted, Attempts: 3,
	}
	_ = b.OnJobDeadLettered(context.Background(), r, entry)

	evt := receive(t, jobSub)
	var data stream.JobEventData
	_ = evt.Decode(&data)
	if evt.Type != stream.EventJobFailed || data.RetriesLeft == nil || *data.RetriesLeft != 0 {
		t.Fatalf("job event = %s %+v, want job:failed with retries_left 0", evt.Type, data)
	}

	alert := receive(t, ops)
	var ad stream.AlertData
	_ = alert.Decode(&ad)
	if alert.Type != stream.EventOperatorsAlert {
		t.Fatalf("Type = %s, want %s", alert.Type, stream.EventOperatorsAlert)
	}
	if ad.JobID != "job_1" || ad.Attempts != 3 || ad.Category != "logo-generation" || ad.Error != "model timeout" {
		t.Errorf("alert = %+v", ad)
	}
}

func TestSlowSubscriberIsEvicted(t *testing.T) {
	t.Parallel()
	b := newBroker(t, stream.WithBufferSize(1))
	ctx := context.Background()
	sub := connect(t, b, "c1", "user_1")
	topic := stream.UserTopic("user_1")
	mustSubscribe(t, b, "c1", topic)

	_ = b.Publish(ctx, &stream.Event{Type: stream.EventJobSubmitted, Topic: topic})
	_ = b.Publish(ctx, &stream.Event{Type: stream.EventJobSubmitted, Topic: topic})

	receive(t, sub)
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected evicted subscriber channel to be closed")
	}
	if _, ok := b.Subscriber("c1"); ok {
		t.Error("expected evicted subscriber to be removed")
	}
	if got := b.Stats().TotalEvicted; got != 1 {
		t.Errorf("TotalEvicted = %d, want 1", got)
	}
}

func TestOnShutdownClosesSubscribers(t *testing.T) {
	t.Parallel()
	b := newBroker(t)
	sub := connect(t, b, "c1", "user_1")

	if err := b.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel")
	}
	if n := b.Stats().SubscriberCount; n != 0 {
		t.Errorf("SubscriberCount = %d, want 0", n)
	}
}

func mustSubscribe(t *testing.T, b *stream.Broker, connID, topic string) {
	t.Helper()
	if err := b.Subscribe(context.Background(), connID, topic); err != nil {
		t.Fatalf("Subscribe(%s, %s): %v", connID, topic, err)
	}
}
