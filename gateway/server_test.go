package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/herald"
	"github.com/xraph/herald/auth"
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

type renderPayload struct {
	Scene string `json:"scene" validate:"required"`
}

var userScopes = []string{auth.ScopeSubscribe, auth.ScopeJobRead, auth.ScopeJobWrite}

type fixture struct {
	eng     *engine.Engine
	srv     *gateway.Server
	url     string
	release chan struct{}
}

// setupGateway builds an engine with a "render" category whose handler
// blocks until release is closed, and serves the gateway over httptest.
func setupGateway(t *testing.T) *fixture {
	t.Helper()
	release := make(chan struct{})
	eng, err := engine.New(memory.New(),
		engine.WithLogger(testLogger()),
		engine.WithConfig(herald.Config{PollInterval: 5 * time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	def := job.NewDefinition("render", func(ctx context.Context, p renderPayload, task job.Task) (any, error) {
		task.Report(50, "rendering "+p.Scene)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]string{"url": "https://cdn.example.com/" + p.Scene + ".png"}, nil
	})
	if err := engine.Register(eng, def); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	authn := auth.NewAPIKeyAuthenticator(
		auth.APIKeyEntry{Key: "alice-token", Principal: auth.Principal{Subject: "alice", Scopes: userScopes}},
		auth.APIKeyEntry{Key: "bob-token", Principal: auth.Principal{Subject: "bob", Scopes: userScopes}},
		auth.APIKeyEntry{Key: "reader-token", Principal: auth.Principal{Subject: "carol", Scopes: []string{auth.ScopeJobRead}}},
	)
	srv := gateway.NewServer(eng.Broker(), gateway.NewHandler(eng, testLogger()),
		gateway.WithAuth(authn),
		gateway.WithLogger(testLogger()),
	)
	ts := httptest.NewServer(srv)

	f := &fixture{
		eng:     eng,
		srv:     srv,
		url:     "ws" + strings.TrimPrefix(ts.URL, "http"),
		release: release,
	}
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		_ = srv.Close()
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return f
}

func (f *fixture) submit(t *testing.T, owner, scene string) string {
	t.Helper()
	jobID, err := engine.Submit(context.Background(), f.eng, "render", renderPayload{Scene: scene}, job.WithOwner(owner))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return jobID
}

// wsClient is a minimal protocol client over a raw socket.
type wsClient struct {
	t    *testing.T
	conn net.Conn
}

func dial(t *testing.T, url string) *wsClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// login dials and authenticates, failing the test on refusal.
func login(t *testing.T, url, token string) *wsClient {
	t.Helper()
	c := dial(t, url)
	resp := c.call(gateway.MethodAuth, gateway.AuthRequest{Token: token})
	if resp.Type != gateway.FrameResponse {
		t.Fatalf("auth refused: %+v", resp.Error)
	}
	return c
}

func (c *wsClient) send(method string, data any) string {
	c.t.Helper()
	f, err := gateway.NewRequestFrame(method, data)
	if err != nil {
		c.t.Fatalf("frame: %v", err)
	}
	raw, _ := json.Marshal(f)
	if err := wsutil.WriteClientText(c.conn, raw); err != nil {
		c.t.Fatalf("write: %v", err)
	}
	return f.ID
}

func (c *wsClient) read() (*gateway.Frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return nil, err
	}
	data, err := wsutil.ReadServerText(c.conn)
	if err != nil {
		return nil, err
	}
	var f gateway.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// await reads frames until match returns true, skipping the rest.
func (c *wsClient) await(match func(*gateway.Frame) bool) *gateway.Frame {
	c.t.Helper()
	for {
		f, err := c.read()
		if err != nil {
			c.t.Fatalf("read: %v", err)
		}
		if match(f) {
			return f
		}
	}
}

// call sends a request and waits for its correlated response.
func (c *wsClient) call(method string, data any) *gateway.Frame {
	c.t.Helper()
	frameID := c.send(method, data)
	return c.await(func(f *gateway.Frame) bool { return f.CorrelID == frameID })
}

func (c *wsClient) event(eventType stream.EventType) *stream.Event {
	c.t.Helper()
	f := c.await(func(f *gateway.Frame) bool {
		if f.Type != gateway.FrameEvent {
			return false
		}
		var evt stream.Event
		return json.Unmarshal(f.Data, &evt) == nil && evt.Type == eventType
	})
	var evt stream.Event
	if err := json.Unmarshal(f.Data, &evt); err != nil {
		c.t.Fatalf("event: %v", err)
	}
	return &evt
}

func decodeStatus(t *testing.T, f *gateway.Frame) job.Status {
	t.Helper()
	if f.Type != gateway.FrameResponse {
		t.Fatalf("expected response, got %s %+v", f.Type, f.Error)
	}
	var st job.Status
	if err := json.Unmarshal(f.Data, &st); err != nil {
		t.Fatalf("status: %v", err)
	}
	return st
}

// ── Tests ─────────────────────────────────────────────

func TestServer_FirstFrameMustBeAuth(t *testing.T) {
	f := setupGateway(t)
	c := dial(t, f.url)

	resp := c.call(gateway.MethodSubscribe, gateway.SubscribeRequest{Topic: "user:alice"})
	if resp.Type != gateway.FrameErr || resp.Error.Code != gateway.ErrCodeBadRequest {
		t.Fatalf("resp = %+v", resp)
	}
	if _, err := c.read(); err == nil {
		t.Fatal("connection should be closed after a non-auth first frame")
	}
}

func TestServer_BadToken(t *testing.T) {
	f := setupGateway(t)
	c := dial(t, f.url)

	resp := c.call(gateway.MethodAuth, gateway.AuthRequest{Token: "nope"})
	if resp.Type != gateway.FrameErr || resp.Error.Code != gateway.ErrCodeUnauthorized {
		t.Fatalf("resp = %+v", resp)
	}
	if got := f.srv.Connections().Count(); got != 0 {
		t.Errorf("connections = %d, want 0", got)
	}
}

func TestServer_AuthResponse(t *testing.T) {
	f := setupGateway(t)
	c := dial(t, f.url)

	resp := c.call(gateway.MethodAuth, gateway.AuthRequest{Token: "alice-token"})
	var ar gateway.AuthResponse
	if err := json.Unmarshal(resp.Data, &ar); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ar.Subject != "alice" || ar.Format != gateway.CodecNameJSON || ar.SessionID == "" {
		t.Errorf("auth response = %+v", ar)
	}
}

func TestServer_Ping(t *testing.T) {
	f := setupGateway(t)
	c := login(t, f.url, "alice-token")

	resp := c.call(gateway.MethodPing, nil)
	if resp.Type != gateway.FramePong {
		t.Fatalf("type = %q, want pong", resp.Type)
	}
}

func TestServer_SubscribeAndReceiveEvents(t *testing.T) {
	f := setupGateway(t)
	c := login(t, f.url, "alice-token")

	resp := c.call(gateway.MethodSubscribe, gateway.SubscribeRequest{Topic: stream.UserTopic("alice")})
	if resp.Type != gateway.FrameResponse {
		t.Fatalf("subscribe: %+v", resp.Error)
	}

	jobID := f.submit(t, "alice", "sunset")
	evt := c.event(stream.EventJobSubmitted)
	var data stream.JobEventData
	if err := evt.Decode(&data); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if data.JobID != jobID || evt.Topic != stream.UserTopic("alice") {
		t.Errorf("event = %+v / %+v", evt, data)
	}
	c.event(stream.EventJobProgress)
}

func TestServer_UnauthorizedSubscription(t *testing.T) {
	f := setupGateway(t)
	jobID := f.submit(t, "alice", "sunset")
	bob := login(t, f.url, "bob-token")

	for _, topic := range []string{stream.UserTopic("alice"), stream.JobTopic(jobID), stream.TopicOperators} {
		resp := bob.call(gateway.MethodSubscribe, gateway.SubscribeRequest{Topic: topic})
		if resp.Type != gateway.FrameErr || resp.Error.Code != gateway.ErrCodeForbidden {
			t.Errorf("subscribe %s = %+v, want forbidden", topic, resp)
		}
	}

	resp := bob.call(gateway.MethodJobStatus, gateway.JobStatusRequest{JobID: jobID})
	if resp.Type != gateway.FrameErr || resp.Error.Code != gateway.ErrCodeForbidden {
		t.Errorf("job.status of foreign job = %+v, want forbidden", resp)
	}
}

func TestServer_MissingScope(t *testing.T) {
	f := setupGateway(t)
	c := login(t, f.url, "reader-token")

	resp := c.call(gateway.MethodSubscribe, gateway.SubscribeRequest{Topic: stream.UserTopic("carol")})
	if resp.Type != gateway.FrameErr || resp.Error.Code != gateway.ErrCodeForbidden {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestServer_UnknownMethod(t *testing.T) {
	f := setupGateway(t)
	c := login(t, f.url, "alice-token")

	// Unknown methods require the operator scope, which alice lacks.
	resp := c.call("job.purge", nil)
	if resp.Type != gateway.FrameErr || resp.Error.Code != gateway.ErrCodeForbidden {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestServer_JobCancel(t *testing.T) {
	f := setupGateway(t)
	jobID := f.submit(t, "alice", "sunset")
	c := login(t, f.url, "alice-token")

	resp := c.call(gateway.MethodJobCancel, gateway.JobCancelRequest{JobID: jobID})
	if resp.Type != gateway.FrameResponse {
		t.Fatalf("cancel: %+v", resp.Error)
	}

	deadline := time.After(5 * time.Second)
	for {
		st := decodeStatus(t, c.call(gateway.MethodJobStatus, gateway.JobStatusRequest{JobID: jobID}))
		if st.State == job.StateFailed {
			if st.FailureKind != job.FailureCancelled || !st.CancelRequested {
				t.Fatalf("status = %+v", st)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("job not cancelled: %+v", st)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestServer_JobCancelForeign(t *testing.T) {
	f := setupGateway(t)
	jobID := f.submit(t, "alice", "sunset")
	bob := login(t, f.url, "bob-token")

	resp := bob.call(gateway.MethodJobCancel, gateway.JobCancelRequest{JobID: jobID})
	if resp.Type != gateway.FrameErr || resp.Error.Code != gateway.ErrCodeForbidden {
		t.Fatalf("resp = %+v", resp)
	}
}

// A client that drops while its job finishes learns the outcome from
// job.status after reconnecting.
func TestServer_ReconnectionRecovery(t *testing.T) {
	f := setupGateway(t)
	jobID := f.submit(t, "alice", "sunset")

	c := login(t, f.url, "alice-token")
	resp := c.call(gateway.MethodSubscribe, gateway.SubscribeRequest{Topic: stream.JobTopic(jobID)})
	if resp.Type != gateway.FrameResponse {
		t.Fatalf("subscribe: %+v", resp.Error)
	}
	_ = c.conn.Close()

	close(f.release)
	deadline := time.After(5 * time.Second)
	for {
		st, _ := f.eng.GetStatus(context.Background(), jobID)
		if st.State == job.StateCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never completed: %+v", st)
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	again := login(t, f.url, "alice-token")
	st := decodeStatus(t, again.call(gateway.MethodJobStatus, gateway.JobStatusRequest{JobID: jobID}))
	if st.State != job.StateCompleted || st.Progress != 100 {
		t.Fatalf("status = %+v", st)
	}
	var result map[string]string
	if err := json.Unmarshal(st.Result, &result); err != nil || result["url"] == "" {
		t.Fatalf("result = %s (%v)", st.Result, err)
	}
}

func TestServer_DisconnectDropsMemberships(t *testing.T) {
	f := setupGateway(t)
	c := login(t, f.url, "alice-token")
	c.call(gateway.MethodSubscribe, gateway.SubscribeRequest{Topic: stream.UserTopic("alice")})

	if got := f.eng.Broker().Topics().SubscriberCount(stream.UserTopic("alice")); got != 1 {
		t.Fatalf("subscribers = %d, want 1", got)
	}
	_ = c.conn.Close()

	deadline := time.After(5 * time.Second)
	for f.eng.Broker().Topics().SubscriberCount(stream.UserTopic("alice")) != 0 || f.srv.Connections().Count() != 0 {
		select {
		case <-deadline:
			t.Fatal("membership not dropped after disconnect")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestServer_MsgpackNegotiation(t *testing.T) {
	f := setupGateway(t)
	c := dial(t, f.url)
	c.send(gateway.MethodAuth, gateway.AuthRequest{Token: "alice-token", Format: gateway.CodecNameMsgpack})

	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatal(err)
	}
	data, op, err := wsutil.ReadServerData(c.conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if op != ws.OpBinary {
		t.Fatalf("opcode = %v, want binary", op)
	}
	resp, err := gateway.MsgpackCodec{}.Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var ar gateway.AuthResponse
	if err := json.Unmarshal(resp.Data, &ar); err != nil || ar.Format != gateway.CodecNameMsgpack {
		t.Fatalf("auth response = %+v (%v)", ar, err)
	}
}

func TestServer_CloseRejectsNewConnections(t *testing.T) {
	f := setupGateway(t)
	login(t, f.url, "alice-token")
	if err := f.srv.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, _, err := ws.Dial(ctx, f.url); err == nil {
		t.Fatal("dial after Close should fail")
	}
}
