package client

import (
	"log/slog"
	"time"

	"github.com/xraph/herald/backoff"
)

// Option configures a Client.
type Option func(*Client)

// WithToken sets the authentication token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithFormat sets the wire format for frame encoding.
// Supported values: "json" (default), "msgpack".
func WithFormat(format string) Option {
	return func(c *Client) { c.format = format }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBufferSize sets the capacity of each subscription channel.
func WithBufferSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// WithDialTimeout bounds dialing plus authentication, and the restore
// pass after a reconnect.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithReconnect enables automatic reconnection. maxRetries <= 0 retries
// forever; delays grow exponentially from baseDelay.
func WithReconnect(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.reconnect = true
		c.maxRetries = maxRetries
		c.backoff = backoff.NewExponentialWithJitter(baseDelay, 30*time.Second)
	}
}

// WithReconnectBackoff replaces the reconnect delay strategy.
func WithReconnectBackoff(s backoff.Strategy) Option {
	return func(c *Client) { c.backoff = s }
}

// WithOnReconnect registers a callback run after a reconnect has
// restored every subscription.
func WithOnReconnect(fn func()) Option {
	return func(c *Client) { c.onReconnect = fn }
}
