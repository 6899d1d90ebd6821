package gateway

import (
	"log/slog"
	"time"

	"github.com/xraph/herald/auth"
)

// Option configures a gateway Server.
type Option func(*Server)

// WithAuth sets the authenticator for the server.
// If not set, auth.NoopAuthenticator is used (development mode).
func WithAuth(a auth.Authenticator) Option {
	return func(s *Server) { s.auth = a }
}

// WithCodec sets the default codec for the server.
// Clients can override via the auth frame's format field.
func WithCodec(codec Codec) Option {
	return func(s *Server) { s.defaultCodec = codec }
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithAuthTimeout bounds how long a new connection may take to send
// its auth frame.
func WithAuthTimeout(d time.Duration) Option {
	return func(s *Server) { s.authTimeout = d }
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}
