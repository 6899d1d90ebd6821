package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/backoff"
	"github.com/xraph/herald/client"
	"github.com/xraph/herald/engine"
	"github.com/xraph/herald/gateway"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/store/memory"
	"github.com/xraph/herald/stream"
)

// ── Test Helpers ──────────────────────────────────────

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type exportPayload struct {
	ReportID string `json:"report_id" validate:"required"`
}

type harness struct {
	eng     *engine.Engine
	srv     *gateway.Server
	url     string
	release chan struct{}
}

// setupClientTest serves a gateway over httptest in front of an engine
// with an "export" category whose handler blocks until release closes.
func setupClientTest(t *testing.T) *harness {
	t.Helper()
	release := make(chan struct{})

	eng, err := engine.New(memory.New(),
		engine.WithLogger(testLogger()),
		engine.WithConfig(herald.Config{PollInterval: 5 * time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	def := job.NewDefinition("export", func(ctx context.Context, p exportPayload, _ job.Task) (any, error) {
		select {
		case <-release:
			return map[string]string{"report_id": p.ReportID}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	if err := engine.Register(eng, def); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	scopes := []string{auth.ScopeSubscribe, auth.ScopeJobRead, auth.ScopeJobWrite}
	srv := gateway.NewServer(eng.Broker(), gateway.NewHandler(eng, testLogger()),
		gateway.WithAuth(auth.NewAPIKeyAuthenticator(
			auth.APIKeyEntry{Key: "dana-token", Principal: auth.Principal{Subject: "dana", Scopes: scopes}},
			auth.APIKeyEntry{Key: "ops-token", Principal: auth.Principal{Subject: "ops", Scopes: []string{auth.ScopeAll}}},
		)),
		gateway.WithLogger(testLogger()),
	)
	ts := httptest.NewServer(srv)

	h := &harness{
		eng:     eng,
		srv:     srv,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		release: release,
	}
	t.Cleanup(func() {
		h.finish()
		_ = srv.Close()
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return h
}

func (h *harness) finish() {
	select {
	case <-h.release:
	default:
		close(h.release)
	}
}

func (h *harness) dial(t *testing.T, token string, opts ...client.Option) *client.Client {
	t.Helper()
	opts = append([]client.Option{client.WithToken(token), client.WithLogger(testLogger())}, opts...)
	c, err := client.DialContext(context.Background(), h.url, opts...)
	if err != nil {
		t.Fatalf("DialContext: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func (h *harness) submit(t *testing.T, owner string) string {
	t.Helper()
	jobID, err := engine.Submit(context.Background(), h.eng, "export", exportPayload{ReportID: "q3"}, job.WithOwner(owner))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return jobID
}

func (h *harness) waitState(t *testing.T, jobID string, want job.State) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		st, _ := h.eng.GetStatus(context.Background(), jobID)
		if st.State == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job %s never reached %s: %+v", jobID, want, st)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// awaitEvent reads ch until match accepts an event.
func awaitEvent(t *testing.T, ch <-chan *stream.Event, match func(*stream.Event) bool) *stream.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatal("subscription closed")
			}
			if match(evt) {
				return evt
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func statusOf(t *testing.T, evt *stream.Event) job.Status {
	t.Helper()
	var st job.Status
	if err := json.Unmarshal(evt.Data, &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

// ── Connection Tests ──────────────────────────────────

func TestClient_DialAndClose(t *testing.T) {
	h := setupClientTest(t)
	c := h.dial(t, "dana-token")

	if c.SessionID() == "" {
		t.Error("expected non-empty session ID after dial")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if _, err := c.Ping(context.Background()); !errors.Is(err, client.ErrClosed) {
		t.Errorf("Ping after Close = %v, want ErrClosed", err)
	}
}

func TestClient_DialAuthFailure(t *testing.T) {
	h := setupClientTest(t)
	_, err := client.DialContext(context.Background(), h.url,
		client.WithToken("wrong-token"),
		client.WithLogger(testLogger()),
	)
	if !errors.Is(err, herald.ErrUnauthenticated) {
		t.Fatalf("dial error = %v, want ErrUnauthenticated", err)
	}
}

func TestClient_Ping(t *testing.T) {
	h := setupClientTest(t)
	c := h.dial(t, "dana-token")
	if _, err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestClient_Msgpack(t *testing.T) {
	h := setupClientTest(t)
	jobID := h.submit(t, "dana")
	c := h.dial(t, "dana-token", client.WithFormat(gateway.CodecNameMsgpack))

	st, err := c.JobStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if st.ID != jobID {
		t.Errorf("status id = %q, want %q", st.ID, jobID)
	}
}

// ── Job Tests ─────────────────────────────────────────

func TestClient_WatchJob(t *testing.T) {
	h := setupClientTest(t)
	jobID := h.submit(t, "dana")
	c := h.dial(t, "dana-token")

	events, err := c.WatchJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("WatchJob: %v", err)
	}
	first := awaitEvent(t, events, func(*stream.Event) bool { return true })
	if first.Type != stream.EventJobStatus || statusOf(t, first).ID != jobID {
		t.Fatalf("first event = %+v", first)
	}

	h.finish()
	done := awaitEvent(t, events, func(e *stream.Event) bool { return e.Type == stream.EventJobComplete })
	var data stream.JobEventData
	if err := done.Decode(&data); err != nil || data.JobID != jobID {
		t.Fatalf("complete event = %+v (%v)", data, err)
	}
}

func TestClient_JobStatusErrors(t *testing.T) {
	h := setupClientTest(t)
	other := h.submit(t, "erin")

	dana := h.dial(t, "dana-token")
	if _, err := dana.JobStatus(context.Background(), other); !errors.Is(err, herald.ErrUnauthorized) {
		t.Errorf("foreign status = %v, want ErrUnauthorized", err)
	}

	ops := h.dial(t, "ops-token")
	if _, err := ops.JobStatus(context.Background(), "job_missing"); !errors.Is(err, herald.ErrJobNotFound) {
		t.Errorf("missing status = %v, want ErrJobNotFound", err)
	}
}

func TestClient_CancelJob(t *testing.T) {
	h := setupClientTest(t)
	jobID := h.submit(t, "dana")
	c := h.dial(t, "dana-token")

	if _, err := c.CancelJob(context.Background(), jobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	h.waitState(t, jobID, job.StateFailed)
	st, err := c.JobStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if st.FailureKind != job.FailureCancelled {
		t.Errorf("failure kind = %q, want cancelled", st.FailureKind)
	}
}

// ── Subscription Tests ────────────────────────────────

func TestClient_SubscribeUnauthorized(t *testing.T) {
	h := setupClientTest(t)
	c := h.dial(t, "dana-token")

	_, err := c.Subscribe(context.Background(), stream.UserTopic("erin"))
	if !errors.Is(err, herald.ErrUnauthorized) {
		t.Fatalf("Subscribe = %v, want ErrUnauthorized", err)
	}
}

func TestClient_UnsubscribeClosesChannel(t *testing.T) {
	h := setupClientTest(t)
	c := h.dial(t, "dana-token")

	events, err := c.Subscribe(context.Background(), stream.UserTopic("dana"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := c.Unsubscribe(context.Background(), stream.UserTopic("dana")); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

// A dropped connection is re-established, the job topic re-joined and
// the job's current status delivered, so the watcher learns that the
// job finished while it was offline.
func TestClient_ReconnectReconciles(t *testing.T) {
	h := setupClientTest(t)
	jobID := h.submit(t, "dana")

	reconnected := make(chan struct{}, 1)
	c := h.dial(t, "dana-token",
		client.WithReconnect(10, time.Second),
		client.WithReconnectBackoff(backoff.NewFixed(300*time.Millisecond)),
		client.WithOnReconnect(func() { reconnected <- struct{}{} }),
	)
	events, err := c.WatchJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("WatchJob: %v", err)
	}
	awaitEvent(t, events, func(e *stream.Event) bool { return e.Type == stream.EventJobStatus })
	firstSession := c.SessionID()

	for _, conn := range h.srv.Connections().All() {
		_ = conn.Close()
	}
	h.finish()
	h.waitState(t, jobID, job.StateCompleted)

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("client did not reconnect")
	}
	if c.SessionID() == firstSession {
		t.Error("expected a new session after reconnecting")
	}

	evt := awaitEvent(t, events, func(e *stream.Event) bool {
		return e.Type == stream.EventJobStatus && statusOf(t, e).State == job.StateCompleted
	})
	if st := statusOf(t, evt); st.Progress != 100 || len(st.Result) == 0 {
		t.Errorf("reconciled status = %+v", st)
	}
	if got := h.eng.Broker().Topics().SubscriberCount(stream.JobTopic(jobID)); got != 1 {
		t.Errorf("job topic members = %d, want 1", got)
	}
}

func TestClient_CloseClosesSubscriptions(t *testing.T) {
	h := setupClientTest(t)
	c := h.dial(t, "dana-token")

	events, err := c.Subscribe(context.Background(), stream.UserTopic("dana"))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_ = c.Close()
	for range events {
	}
}
