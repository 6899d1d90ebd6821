// Package client provides a Go client for the herald gateway protocol
// over WebSocket.
//
// Usage:
//
//	c, err := client.Dial("wss://api.example.com/v1/ws",
//	    client.WithToken(token),
//	    client.WithReconnect(10, time.Second),
//	)
//	defer c.Close()
//
//	events, err := c.WatchJob(ctx, jobID)
//	for evt := range events {
//	    fmt.Println(evt.Type)
//	}
//
// With reconnection enabled the client re-subscribes every topic after
// the connection comes back and, for each job topic, fetches the job's
// status and delivers it as a stream.EventJobStatus event, so watchers
// learn about anything they missed while disconnected.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/herald"
	"github.com/xraph/herald/backoff"
	"github.com/xraph/herald/gateway"
	"github.com/xraph/herald/stream"
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("herald/client: closed")

// ErrConnectionLost is returned by requests in flight when the
// connection drops.
var ErrConnectionLost = errors.New("herald/client: connection lost")

// RemoteError is an error frame returned by the server. It matches the
// herald sentinel errors with errors.Is.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("herald/client: %d %s", e.Code, e.Message)
}

// Is maps protocol error codes to herald sentinel errors.
func (e *RemoteError) Is(target error) bool {
	switch e.Code {
	case gateway.ErrCodeUnauthorized:
		return target == herald.ErrUnauthenticated
	case gateway.ErrCodeForbidden:
		return target == herald.ErrUnauthorized
	case gateway.ErrCodeNotFound:
		return target == herald.ErrJobNotFound
	case gateway.ErrCodeBadRequest:
		return target == herald.ErrValidation
	}
	return false
}

// Client is a gateway client.
type Client struct {
	url         string
	token       string
	format      string
	logger      *slog.Logger
	bufferSize  int
	dialTimeout time.Duration

	// Reconnection.
	reconnect   bool
	maxRetries  int
	backoff     backoff.Strategy
	onReconnect func()

	// Connection state.
	connMu    sync.Mutex
	conn      net.Conn
	codec     gateway.Codec
	sessionID string
	writeMu   sync.Mutex
	closed    atomic.Bool
	done      chan struct{}

	// Request-response correlation.
	pending sync.Map // frameID → chan *gateway.Frame

	// Subscriptions survive reconnects.
	subsMu sync.Mutex
	subs   map[string]chan *stream.Event
}

// Dial connects to a gateway and authenticates.
func Dial(url string, opts ...Option) (*Client, error) {
	return DialContext(context.Background(), url, opts...)
}

// DialContext connects to a gateway with a context.
func DialContext(ctx context.Context, url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:         url,
		format:      gateway.CodecNameJSON,
		logger:      slog.Default(),
		bufferSize:  64,
		dialTimeout: 10 * time.Second,
		maxRetries:  5,
		backoff:     backoff.NewExponentialWithJitter(time.Second, 30*time.Second),
		done:        make(chan struct{}),
		subs:        make(map[string]chan *stream.Event),
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("herald/client: dial: %w", err)
	}
	go c.readLoop(conn)
	return c, nil
}

// connect establishes the WebSocket connection and authenticates. It
// reads the auth response directly since no read loop runs yet.
func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, c.url)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	authFrame, err := gateway.NewRequestFrame(gateway.MethodAuth, gateway.AuthRequest{
		Token:  c.token,
		Format: c.format,
	})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	// Auth frames are always JSON.
	if err := writeFrame(conn, gateway.JSONCodec{}, authFrame); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("write auth frame: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	data, op, err := wsutil.ReadServerData(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read auth response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	// Refusals are sent before negotiation, so always as JSON text.
	codec := gateway.Codec(gateway.JSONCodec{})
	if op == ws.OpBinary {
		codec = gateway.GetCodec(c.format)
	}
	resp, err := codec.Decode(data)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode auth response: %w", err)
	}
	if resp.Type == gateway.FrameErr {
		_ = conn.Close()
		return nil, remoteError(resp)
	}

	var authResp gateway.AuthResponse
	if err := json.Unmarshal(resp.Data, &authResp); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode auth response: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.codec = gateway.GetCodec(authResp.Format)
	c.sessionID = authResp.SessionID
	c.connMu.Unlock()

	c.logger.Info("herald client connected",
		slog.String("session_id", authResp.SessionID),
		slog.String("subject", authResp.Subject),
		slog.String("format", authResp.Format),
	)
	return conn, nil
}

// readLoop reads frames from conn and dispatches them until the
// connection fails.
func (c *Client) readLoop(conn net.Conn) {
	codec := c.currentCodec()
	for {
		data, _, err := wsutil.ReadServerData(conn)
		if err != nil {
			c.connectionLost(conn, err)
			return
		}

		frame, err := codec.Decode(data)
		if err != nil {
			c.logger.Warn("herald client: invalid frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case gateway.FrameResponse, gateway.FrameErr, gateway.FramePong:
			if val, ok := c.pending.Load(frame.CorrelID); ok {
				ch := val.(chan *gateway.Frame) //nolint:errcheck // pending map always stores chan *gateway.Frame
				select {
				case ch <- frame:
				default:
				}
			}
		case gateway.FrameEvent:
			var evt stream.Event
			if err := json.Unmarshal(frame.Data, &evt); err != nil {
				c.logger.Warn("herald client: invalid event", slog.String("error", err.Error()))
				continue
			}
			c.deliver(&evt)
		}
	}
}

// connectionLost fails in-flight requests and starts reconnecting.
func (c *Client) connectionLost(conn net.Conn, err error) {
	_ = conn.Close()
	c.pending.Range(func(key, val any) bool {
		ch := val.(chan *gateway.Frame) //nolint:errcheck // pending map always stores chan *gateway.Frame
		select {
		case ch <- nil:
		default:
		}
		return true
	})
	if c.closed.Load() {
		return
	}

	c.logger.Warn("herald client read error", slog.String("error", err.Error()))
	if c.reconnect {
		go c.reconnectLoop()
		return
	}
	c.closeSubscriptions()
}

// reconnectLoop redials with backoff, then restores subscriptions.
func (c *Client) reconnectLoop() {
	for attempt := 1; c.maxRetries <= 0 || attempt <= c.maxRetries; attempt++ {
		delay := c.backoff.Delay(attempt)
		c.logger.Info("herald client reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		t := time.NewTimer(delay)
		select {
		case <-c.done:
			t.Stop()
			return
		case <-t.C:
		}

		conn, err := c.connect(context.Background())
		if err != nil {
			c.logger.Warn("herald client reconnect failed", slog.String("error", err.Error()))
			continue
		}
		if c.closed.Load() {
			_ = conn.Close()
			return
		}

		c.logger.Info("herald client reconnected", slog.Int("attempt", attempt))
		go c.readLoop(conn)
		c.restore()
		if c.onReconnect != nil {
			c.onReconnect()
		}
		return
	}
	c.logger.Error("herald client: max reconnection attempts reached")
	c.closeSubscriptions()
}

// restore re-subscribes every topic and reconciles job topics through
// job.status.
func (c *Client) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
	defer cancel()

	for _, topic := range c.topics() {
		if _, err := c.request(ctx, gateway.MethodSubscribe, gateway.SubscribeRequest{Topic: topic}); err != nil {
			c.logger.Warn("herald client: re-subscribe failed",
				slog.String("topic", topic),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, herald.ErrUnauthorized) {
				c.dropSubscription(topic)
			}
			continue
		}
		if kind, ref, _ := stream.ParseTopic(topic); kind == "job" {
			c.reconcile(ctx, topic, ref)
		}
	}
}

// reconcile delivers the current status of jobID on topic.
func (c *Client) reconcile(ctx context.Context, topic, jobID string) {
	st, err := c.JobStatus(ctx, jobID)
	if err != nil {
		c.logger.Warn("herald client: job status failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return
	}
	c.deliver(&stream.Event{
		ID:        gateway.GenerateFrameID(),
		Type:      stream.EventJobStatus,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Data:      raw,
	})
}

// request sends a request frame and waits for the correlated response.
func (c *Client) request(ctx context.Context, method string, data any) (*gateway.Frame, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	frame, err := gateway.NewRequestFrame(method, data)
	if err != nil {
		return nil, fmt.Errorf("marshal request data: %w", err)
	}

	respCh := make(chan *gateway.Frame, 1)
	c.pending.Store(frame.ID, respCh)
	defer c.pending.Delete(frame.ID)

	c.connMu.Lock()
	conn, codec := c.conn, c.codec
	c.connMu.Unlock()

	c.writeMu.Lock()
	err = writeFrame(conn, codec, frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			return nil, ErrConnectionLost
		}
		if resp.Type == gateway.FrameErr {
			return nil, remoteError(resp)
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Ping measures a round trip to the server.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.request(ctx, gateway.MethodPing, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// SessionID returns the session ID assigned by the server to the
// current connection.
func (c *Client) SessionID() string {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.sessionID
}

// Close closes the client and every subscription channel.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	close(c.done)
	c.closeSubscriptions()

	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) currentCodec() gateway.Codec {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.codec
}

func writeFrame(conn net.Conn, codec gateway.Codec, frame *gateway.Frame) error {
	data, err := codec.Encode(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	op := ws.OpText
	if codec.Binary() {
		op = ws.OpBinary
	}
	return wsutil.WriteClientMessage(conn, op, data)
}

func remoteError(f *gateway.Frame) error {
	if f.Error == nil {
		return &RemoteError{Code: gateway.ErrCodeInternal, Message: "unknown error"}
	}
	return &RemoteError{Code: f.Error.Code, Message: f.Error.Message}
}
