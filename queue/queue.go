package queue

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// queueState tracks runtime state for a single category.
type queueState struct {
	config  Config
	limiter *rate.Limiter
	active  int
	// held counts slots admitted by Acquire whose rate token is set
	// aside but not yet spent by Leased.
	held int
}

// Manager applies per-category concurrency and rate limits to lease
// attempts. It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*queueState
}

// NewManager creates a Manager for the given categories. Categories not
// listed have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{queues: make(map[string]*queueState, len(configs))}
	for _, cfg := range configs {
		m.queues[cfg.Name] = newQueueState(cfg)
	}
	return m
}

func newQueueState(cfg Config) *queueState {
	qs := &queueState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		qs.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return qs
}

// Acquire admits one lease attempt of category. It returns false when
// the category is at its concurrency limit or has no rate token left
// after the ones already set aside for admitted attempts. The token is
// spent by Leased once a job was actually leased; Unused hands the slot
// and the token back when the attempt found nothing.
func (m *Manager) Acquire(category string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[category]
	if qs == nil {
		return true
	}
	if qs.config.Concurrency > 0 && qs.active >= qs.config.Concurrency {
		return false
	}
	if qs.limiter != nil {
		if qs.limiter.TokensAt(time.Now())-float64(qs.held) < 1 {
			return false
		}
		qs.held++
	}
	qs.active++
	return true
}

// Leased spends the rate token of an admitted attempt that leased a
// job. The slot stays held until Release.
func (m *Manager) Leased(category string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[category]
	if qs == nil || qs.limiter == nil || qs.held == 0 {
		return
	}
	qs.held--
	qs.limiter.ReserveN(time.Now(), 1)
}

// Unused frees an admitted slot whose lease attempt came back empty
// and returns its rate token untouched.
func (m *Manager) Unused(category string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	qs := m.queues[category]
	if qs == nil {
		return
	}
	if qs.held > 0 {
		qs.held--
	}
	if qs.active > 0 {
		qs.active--
	}
}

// Release frees the slot of a leased job.
func (m *Manager) Release(category string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if qs := m.queues[category]; qs != nil && qs.active > 0 {
		qs.active--
	}
}

// ActiveCount returns the number of held slots for category.
func (m *Manager) ActiveCount(category string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qs := m.queues[category]; qs != nil {
		return qs.active
	}
	return 0
}

// Snapshot returns the held slot count of every configured category.
func (m *Manager) Snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.queues))
	for name, qs := range m.queues {
		out[name] = qs.active
	}
	return out
}
