package redis

import (
	"context"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/job"
)

// Compile-time interface checks.
var (
	_ job.Store = (*Store)(nil)
	_ dlq.Store = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithKeyPrefix prepends prefix to every key and channel name.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keys.prefix = prefix }
}

// WithCancelFlagTTL bounds how long a cancel flag of an active job is
// kept when the job never resolves.
func WithCancelFlagTTL(d time.Duration) Option {
	return func(s *Store) { s.cancelTTL = d }
}

// WithPromoteBatch caps how many due delayed jobs one lease attempt
// promotes.
func WithPromoteBatch(n int) Option {
	return func(s *Store) { s.promoteBatch = n }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client       goredis.UniversalClient
	logger       *slog.Logger
	keys         keys
	cancelTTL    time.Duration
	promoteBatch int
}

// New creates a Redis-backed store. The caller owns the client
// lifecycle.
func New(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:       client,
		logger:       slog.Default(),
		cancelTTL:    7 * 24 * time.Hour,
		promoteBatch: 100,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.UniversalClient { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op. The caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }
