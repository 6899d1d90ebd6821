package job

import (
	"time"

	"github.com/xraph/herald/backoff"
	"github.com/xraph/herald/queue"
)

// Definition binds a category name to a typed handler and its queue
// configuration. T is the payload type and must be JSON-serializable.
type Definition[T any] struct {
	// Name is the category name.
	Name string

	// Handler processes the payload.
	Handler Handler[T]

	// Config holds concurrency, timeout, retry and cleanup settings.
	Config queue.Config
}

// NewDefinition creates a typed definition starting from
// queue.DefaultConfig(name).
func NewDefinition[T any](name string, handler Handler[T], opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Config:  queue.DefaultConfig(name),
	}
	for _, opt := range opts {
		opt(&def.Config)
	}
	def.Config.Name = name
	return def
}

// Option configures a Definition.
type Option func(*queue.Config)

// WithConfig replaces the whole queue configuration. The name is kept.
func WithConfig(cfg queue.Config) Option {
	return func(c *queue.Config) {
		name := c.Name
		*c = cfg
		c.Name = name
	}
}

// WithConcurrency sets how many jobs of the category one process runs
// at once.
func WithConcurrency(n int) Option {
	return func(c *queue.Config) { c.Concurrency = n }
}

// WithTimeout sets the lease duration.
func WithTimeout(d time.Duration) Option {
	return func(c *queue.Config) { c.Timeout = d }
}

// WithMaxAttempts sets the total number of attempts, including the first.
func WithMaxAttempts(n int) Option {
	return func(c *queue.Config) { c.Retry.MaxAttempts = n }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(c *queue.Config) { c.Retry.Backoff = s }
}

// WithCleanup sets the finished-record retention bounds. Zero disables
// a bound.
func WithCleanup(keepCount int, keepAge time.Duration) Option {
	return func(c *queue.Config) {
		c.Cleanup = queue.CleanupPolicy{KeepCount: keepCount, KeepAge: keepAge}
	}
}

// WithDefaultPriority sets the priority used when a submission sets none.
func WithDefaultPriority(p int) Option {
	return func(c *queue.Config) { c.DefaultPriority = p }
}

// WithRateLimit caps leases per second in one process.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *queue.Config) {
		c.RateLimit = perSecond
		c.RateBurst = burst
	}
}
