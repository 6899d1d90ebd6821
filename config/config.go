package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/backoff"
	"github.com/xraph/herald/queue"
)

// Config holds all heraldd configuration.
type Config struct {
	Server     ServerConfig              `mapstructure:"server"`
	Redis      RedisConfig               `mapstructure:"redis"`
	Postgres   PostgresConfig            `mapstructure:"postgres"`
	Auth       AuthConfig                `mapstructure:"auth"`
	Engine     EngineConfig              `mapstructure:"engine"`
	Categories map[string]CategoryConfig `mapstructure:"categories" validate:"dive"`
}

// ServerConfig controls the HTTP listener and logging.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" validate:"required"`
	LogLevel          string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	LogFormat         string        `mapstructure:"log_format" validate:"required,oneof=json text"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	// Workers disables the worker pool when false, for processes that
	// only accept submissions and serve events.
	Workers bool `mapstructure:"workers"`
}

// RedisConfig points at the Redis deployment backing queues and events.
type RedisConfig struct {
	Addr      string `mapstructure:"addr" validate:"required,hostname_port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db" validate:"gte=0"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// PostgresConfig points at the business database used for entity
// ownership. An empty DSN disables entity topics for non-operators.
type PostgresConfig struct {
	DSN            string `mapstructure:"dsn" validate:"omitempty,url"`
	OwnershipQuery string `mapstructure:"ownership_query"`
}

// APIKey maps a static token to a principal.
type APIKey struct {
	Key     string   `mapstructure:"key" validate:"required,min=16"`
	Subject string   `mapstructure:"subject" validate:"required"`
	Scopes  []string `mapstructure:"scopes" validate:"required,min=1"`
}

// AuthConfig configures bearer token authentication. At least one of
// a JWT secret or an API key is required.
type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret" validate:"omitempty,min=32"`
	Issuer        string        `mapstructure:"issuer"`
	TokenLifetime time.Duration `mapstructure:"token_lifetime" validate:"gte=0"`
	APIKeys       []APIKey      `mapstructure:"api_keys" validate:"dive"`
}

// EngineConfig mirrors herald.Config.
type EngineConfig struct {
	NodeID              string        `mapstructure:"node_id"`
	PollInterval        time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	ReaperInterval      time.Duration `mapstructure:"reaper_interval" validate:"gt=0"`
	CancelPollInterval  time.Duration `mapstructure:"cancel_poll_interval" validate:"gt=0"`
	DeadLetterRetention time.Duration `mapstructure:"dead_letter_retention" validate:"gte=0"`
	PublishAttempts     int           `mapstructure:"publish_attempts" validate:"gte=1"`
	PublishTimeout      time.Duration `mapstructure:"publish_timeout" validate:"gt=0"`
	ProgressBuffer      int           `mapstructure:"progress_buffer" validate:"gte=1"`
}

// Herald converts e to the engine configuration.
func (e EngineConfig) Herald() herald.Config {
	return herald.Config{
		NodeID:              e.NodeID,
		PollInterval:        e.PollInterval,
		ShutdownTimeout:     e.ShutdownTimeout,
		ReaperInterval:      e.ReaperInterval,
		CancelPollInterval:  e.CancelPollInterval,
		DeadLetterRetention: e.DeadLetterRetention,
		PublishAttempts:     e.PublishAttempts,
		PublishTimeout:      e.PublishTimeout,
		ProgressBuffer:      e.ProgressBuffer,
	}
}

// BackoffConfig selects a retry delay strategy.
type BackoffConfig struct {
	Kind string        `mapstructure:"kind" validate:"omitempty,oneof=fixed exponential jitter"`
	Base time.Duration `mapstructure:"base" validate:"gte=0"`
	Max  time.Duration `mapstructure:"max" validate:"gte=0"`
}

// Strategy builds the configured strategy. It returns nil when no kind
// is set.
func (b BackoffConfig) Strategy() backoff.Strategy {
	base := b.Base
	if base == 0 {
		base = time.Second
	}
	maxDelay := b.Max
	if maxDelay == 0 {
		maxDelay = 30 * time.Minute
	}
	switch b.Kind {
	case "fixed":
		return backoff.NewFixed(base)
	case "exponential":
		return backoff.NewExponential(base, maxDelay)
	case "jitter":
		return backoff.NewExponentialWithJitter(base, maxDelay)
	}
	return nil
}

// CategoryConfig overrides the defaults of one job category. Zero
// fields keep the value from queue.DefaultConfig.
type CategoryConfig struct {
	Concurrency     int           `mapstructure:"concurrency" validate:"gte=0"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"gte=0"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gte=0"`
	Backoff         BackoffConfig `mapstructure:"backoff"`
	KeepCount       int           `mapstructure:"keep_count" validate:"gte=0"`
	KeepAge         time.Duration `mapstructure:"keep_age" validate:"gte=0"`
	DefaultPriority int           `mapstructure:"default_priority" validate:"gte=-1000,lte=1000"`
	RateLimit       float64       `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst       int           `mapstructure:"rate_burst" validate:"gte=0"`
}

// Queue returns the queue configuration for category name.
func (c CategoryConfig) Queue(name string) queue.Config {
	q := queue.DefaultConfig(name)
	if c.Concurrency > 0 {
		q.Concurrency = c.Concurrency
	}
	if c.Timeout > 0 {
		q.Timeout = c.Timeout
	}
	if c.MaxAttempts > 0 {
		q.Retry.MaxAttempts = c.MaxAttempts
	}
	if s := c.Backoff.Strategy(); s != nil {
		q.Retry.Backoff = s
	}
	if c.KeepCount > 0 {
		q.Cleanup.KeepCount = c.KeepCount
	}
	if c.KeepAge > 0 {
		q.Cleanup.KeepAge = c.KeepAge
	}
	q.DefaultPriority = c.DefaultPriority
	q.RateLimit = c.RateLimit
	q.RateBurst = c.RateBurst
	return q
}

// Category returns the overrides for name, or the zero value.
func (c *Config) Category(name string) CategoryConfig {
	return c.Categories[name]
}

// Validate checks the rules struct tags cannot express: some form of
// authentication is configured and every category passes queue
// validation.
func (c *Config) Validate() error {
	if c.Auth.JWTSecret == "" && len(c.Auth.APIKeys) == 0 {
		return errors.New("config: auth requires jwt_secret or api_keys")
	}
	for name, cc := range c.Categories {
		if err := cc.Queue(name).Validate(); err != nil {
			return fmt.Errorf("config: category %s: %w", name, err)
		}
	}
	return nil
}
