// Package backoff computes retry delays for failed job attempts.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// Strategy computes the delay before a job becomes eligible again.
type Strategy interface {
	// Delay returns the wait after the given number of failed attempts
	// (1 after the first failure).
	Delay(attempt int) time.Duration
}

// Func adapts a plain function to Strategy.
type Func func(attempt int) time.Duration

// Delay calls f.
func (f Func) Delay(attempt int) time.Duration { return f(attempt) }

// Fixed waits the same interval after every failure.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed backoff.
func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

// Delay returns the interval.
func (f *Fixed) Delay(_ int) time.Duration { return f.Interval }

// Exponential doubles the delay after each failure:
// min(Base * 2^(attempt-1), Max). With Jitter set, the returned delay is
// drawn uniformly from the upper half of that value so concurrent
// retries spread out without ever retrying immediately.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter bool
}

// NewExponential creates an exponential backoff without jitter.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// NewExponentialWithJitter creates an exponential backoff with jitter.
func NewExponentialWithJitter(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay, Jitter: true}
}

// Delay implements Strategy.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	if !e.Jitter {
		return time.Duration(d)
	}
	half := d / 2
	return time.Duration(half + rand.Float64()*half) //nolint:gosec // jitter does not need crypto rand
}

// Kind names a strategy in configuration.
type Kind string

const (
	KindFixed       Kind = "fixed"
	KindExponential Kind = "exponential"
)

// Parse builds a strategy from configuration values. An empty kind
// means exponential with jitter.
func Parse(kind string, base, maxDelay time.Duration) (Strategy, error) {
	if base <= 0 {
		return nil, fmt.Errorf("backoff: base delay must be positive, got %v", base)
	}
	switch Kind(strings.ToLower(kind)) {
	case KindFixed:
		return NewFixed(base), nil
	case KindExponential, "":
		if maxDelay > 0 && maxDelay < base {
			return nil, fmt.Errorf("backoff: max delay %v is below base %v", maxDelay, base)
		}
		return NewExponentialWithJitter(base, maxDelay), nil
	default:
		return nil, fmt.Errorf("backoff: unknown kind %q", kind)
	}
}

// DefaultStrategy returns exponential backoff with jitter from 1s up
// to 1m.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(time.Second, time.Minute)
}
