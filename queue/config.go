package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/xraph/herald/backoff"
)

// Priority bounds. Lower values are leased first.
const (
	MinPriority = -1000
	MaxPriority = 1000
)

// RetryPolicy controls how failed attempts are retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// Backoff computes the delay before the next attempt.
	Backoff backoff.Strategy
}

// CleanupPolicy bounds how many finished records a category keeps.
// A finished record is purged as soon as either bound is exceeded:
// it is older than KeepAge, or more than KeepCount newer finished
// records exist. Zero disables the corresponding bound.
type CleanupPolicy struct {
	KeepCount int
	KeepAge   time.Duration
}

// Finished identifies a completed or failed record for cleanup.
type Finished struct {
	ID         string
	FinishedAt time.Time
}

// Expired returns the ids in records that the policy purges at now.
// Records are ranked newest first; ties on FinishedAt keep input order.
func (p CleanupPolicy) Expired(records []Finished, now time.Time) []string {
	if p.KeepCount <= 0 && p.KeepAge <= 0 {
		return nil
	}
	ranked := make([]Finished, len(records))
	copy(ranked, records)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].FinishedAt.After(ranked[j].FinishedAt)
	})

	var out []string
	for rank, r := range ranked {
		tooMany := p.KeepCount > 0 && rank >= p.KeepCount
		tooOld := p.KeepAge > 0 && now.Sub(r.FinishedAt) > p.KeepAge
		if tooMany || tooOld {
			out = append(out, r.ID)
		}
	}
	return out
}

// Config is the static configuration of one job category.
type Config struct {
	// Name is the category name. It becomes part of store keys.
	Name string

	// Concurrency is the number of jobs of this category a single
	// process runs at once.
	Concurrency int

	// Timeout is the lease duration. A lease unresolved after twice
	// this long is reclaimed by the reaper.
	Timeout time.Duration

	Retry   RetryPolicy
	Cleanup CleanupPolicy

	// DefaultPriority applies when a submission sets no priority.
	DefaultPriority int

	// RateLimit caps leases per second in this process. Zero disables
	// rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst. Defaults to 1 when
	// RateLimit is set.
	RateBurst int
}

// DefaultConfig returns the configuration used for categories that
// set no options.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		Concurrency: 1,
		Timeout:     5 * time.Minute,
		Retry: RetryPolicy{
			MaxAttempts: 3,
			Backoff:     backoff.DefaultStrategy(),
		},
		Cleanup: CleanupPolicy{
			KeepCount: 1000,
			KeepAge:   24 * time.Hour,
		},
	}
}

// Validate reports the first problem with c.
func (c Config) Validate() error {
	if err := ValidName(c.Name); err != nil {
		return err
	}
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("queue %q: concurrency must be at least 1", c.Name)
	case c.Timeout <= 0:
		return fmt.Errorf("queue %q: timeout must be positive", c.Name)
	case c.Retry.MaxAttempts < 1:
		return fmt.Errorf("queue %q: max attempts must be at least 1", c.Name)
	case c.Retry.Backoff == nil:
		return fmt.Errorf("queue %q: backoff strategy is required", c.Name)
	case c.Cleanup.KeepCount < 0 || c.Cleanup.KeepAge < 0:
		return fmt.Errorf("queue %q: cleanup bounds must not be negative", c.Name)
	case c.RateLimit < 0 || c.RateBurst < 0:
		return fmt.Errorf("queue %q: rate limit must not be negative", c.Name)
	}
	return CheckPriority(c.DefaultPriority)
}

// CheckPriority reports whether p is within [MinPriority, MaxPriority].
func CheckPriority(p int) error {
	if p < MinPriority || p > MaxPriority {
		return fmt.Errorf("priority %d outside [%d, %d]", p, MinPriority, MaxPriority)
	}
	return nil
}

// ValidName reports whether name can be used as a category name:
// 1 to 64 characters of lowercase letters, digits, '-', '_' or '.'.
func ValidName(name string) error {
	if name == "" || len(name) > 64 {
		return fmt.Errorf("queue: invalid name %q", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("queue: invalid name %q", name)
		}
	}
	return nil
}
