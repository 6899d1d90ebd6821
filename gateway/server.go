package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xraph/herald/auth"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/stream"
)

// Defaults for server options.
const (
	DefaultAuthTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Server accepts WebSocket connections, authenticates them and bridges
// their frames to the broker and the engine. It implements http.Handler.
type Server struct {
	broker       *stream.Broker
	handler      *Handler
	auth         auth.Authenticator
	defaultCodec Codec
	conns        *ConnectionManager
	logger       *slog.Logger
	authTimeout  time.Duration
	writeTimeout time.Duration
	closed       atomic.Bool
}

var _ http.Handler = (*Server)(nil)

// NewServer creates a gateway server.
func NewServer(broker *stream.Broker, handler *Handler, opts ...Option) *Server {
	s := &Server{
		broker:       broker,
		handler:      handler,
		defaultCodec: JSONCodec{},
		conns:        NewConnectionManager(),
		logger:       slog.Default(),
		authTimeout:  DefaultAuthTimeout,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.auth == nil {
		s.auth = auth.NoopAuthenticator{}
	}
	return s
}

// Broker returns the underlying stream broker.
func (s *Server) Broker() *stream.Broker { return s.broker }

// Connections returns the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// ServeHTTP upgrades the request and serves the connection until the
// peer goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.closed.Load() {
		http.Error(w, "gateway closed", http.StatusServiceUnavailable)
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	if err := s.serve(r.Context(), conn); err != nil {
		s.logger.Debug("gateway connection ended", slog.String("error", err.Error()))
	}
}

// Close stops accepting connections and closes the open ones.
func (s *Server) Close() error {
	s.closed.Store(true)
	for _, c := range s.conns.All() {
		_ = c.Close() //nolint:errcheck // best-effort close during shutdown
	}
	return nil
}

func (s *Server) serve(ctx context.Context, netConn net.Conn) error {
	defer netConn.Close() //nolint:errcheck // double close after Connection.Close is harmless

	// Auth frames are always JSON (before codec negotiation).
	plain := NewConnection("", nil, JSONCodec{}, netConn, nil)
	plain.writeTimeout = s.writeTimeout

	if err := netConn.SetReadDeadline(time.Now().Add(s.authTimeout)); err != nil {
		return err
	}
	authData, _, err := wsutil.ReadClientData(netConn)
	if err != nil {
		return fmt.Errorf("gateway: read auth frame: %w", err)
	}

	var authFrame Frame
	if err := json.Unmarshal(authData, &authFrame); err != nil {
		//nolint:errcheck // best-effort error response before disconnect
		plain.WriteFrame(NewErrorFrame("", ErrCodeBadRequest, "invalid auth frame"))
		return fmt.Errorf("gateway: unmarshal auth frame: %w", err)
	}
	if authFrame.Method != MethodAuth {
		//nolint:errcheck // best-effort error response before disconnect
		plain.WriteFrame(NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "first frame must be auth"))
		return fmt.Errorf("gateway: expected auth frame, got %q", authFrame.Method)
	}

	var authReq AuthRequest
	if len(authFrame.Data) > 0 {
		if err := json.Unmarshal(authFrame.Data, &authReq); err != nil {
			//nolint:errcheck // best-effort error response before disconnect
			plain.WriteFrame(NewErrorFrame(authFrame.ID, ErrCodeBadRequest, "invalid auth data"))
			return err
		}
	}
	token := authReq.Token
	if token == "" {
		token = authFrame.Token
	}
	principal, err := s.auth.Authenticate(ctx, token)
	if err == nil && !principal.Authenticated() {
		err = auth.ErrInvalidToken
	}
	if err != nil {
		//nolint:errcheck // best-effort error response before disconnect
		plain.WriteFrame(NewErrorFrame(authFrame.ID, ErrCodeUnauthorized, "authentication failed"))
		return fmt.Errorf("gateway: auth failed: %w", err)
	}

	codec := s.defaultCodec
	if authReq.Format != "" {
		codec = GetCodec(authReq.Format)
	}

	connID := id.NewConn()
	sub, err := s.broker.Connect(connID, principal)
	if err != nil {
		//nolint:errcheck // best-effort error response before disconnect
		plain.WriteFrame(errorFrame(authFrame.ID, err))
		return err
	}
	c := NewConnection(connID, principal, codec, netConn, sub)
	c.writeTimeout = s.writeTimeout
	s.conns.Add(c)
	defer func() {
		s.broker.Disconnect(context.WithoutCancel(ctx), connID)
		s.conns.Remove(connID)
		_ = c.Close() //nolint:errcheck // connection is going away
		s.logger.Info("gateway disconnected", slog.String("conn_id", connID))
	}()

	resp, err := NewResponseFrame(authFrame.ID, AuthResponse{
		Format:    codec.Name(),
		SessionID: connID,
		Subject:   principal.Subject,
	})
	if err != nil {
		return fmt.Errorf("gateway: marshal auth response: %w", err)
	}
	if err := c.WriteFrame(resp); err != nil {
		return err
	}
	if err := netConn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	s.logger.Info("gateway authenticated",
		slog.String("conn_id", connID),
		slog.String("subject", principal.Subject),
		slog.String("codec", codec.Name()),
	)

	go s.forwardEvents(c, sub)

	for {
		data, _, err := wsutil.ReadClientData(netConn)
		if err != nil {
			return nil // Connection closed.
		}
		c.Touch()

		frame, decErr := codec.Decode(data)
		if decErr != nil {
			s.write(c, NewErrorFrame("", ErrCodeBadRequest, "invalid frame: "+decErr.Error()))
			continue
		}

		if frame.Type == FramePing || frame.Method == MethodPing {
			s.write(c, &Frame{
				ID:        GenerateFrameID(),
				Type:      FramePong,
				CorrelID:  frame.ID,
				Timestamp: time.Now().UTC(),
			})
			continue
		}

		if reqScope := RequiredScope(frame.Method); reqScope != "" && !principal.HasScope(reqScope) {
			s.write(c, NewErrorFrame(frame.ID, ErrCodeForbidden, "insufficient permissions"))
			continue
		}

		if respFrame := s.handler.Handle(ctx, frame, c); respFrame != nil {
			s.write(c, respFrame)
		}
	}
}

func (s *Server) write(c *Connection, f *Frame) {
	if err := c.WriteFrame(f); err != nil {
		s.logger.Warn("failed to write frame",
			slog.String("conn_id", c.ID),
			slog.String("type", string(f.Type)),
			slog.String("error", err.Error()),
		)
	}
}

// forwardEvents writes broker events to the socket. When the broker
// closes the subscriber, e.g. after evicting a slow reader, the socket
// is closed too so the client reconnects and reconciles.
func (s *Server) forwardEvents(c *Connection, sub *stream.Subscriber) {
	defer c.Close() //nolint:errcheck // closing ends the read loop
	for evt := range sub.C() {
		evtFrame, err := NewEventFrame(evt.Topic, evt)
		if err != nil {
			continue
		}
		if err := c.WriteFrame(evtFrame); err != nil {
			return // Connection gone.
		}
	}
}
