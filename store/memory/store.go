// Package memory implements store.Store in process memory. It honours
// the same ordering, lease and idempotency rules as the Redis backend
// and is intended for tests and single-process development.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/queue"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store = (*Store)(nil)
	_ dlq.Store = (*Store)(nil)
)

type waitingItem struct {
	priority int
	seq      int64
}

func (a waitingItem) before(b waitingItem) bool {
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.seq < b.seq
}

type categoryState struct {
	waiting  map[string]waitingItem
	delayed  map[string]time.Time
	active   map[string]time.Time
	finished map[string]time.Time
	seq      int64
}

func newCategoryState() *categoryState {
	return &categoryState{
		waiting:  make(map[string]waitingItem),
		delayed:  make(map[string]time.Time),
		active:   make(map[string]time.Time),
		finished: make(map[string]time.Time),
	}
}

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access.
type Store struct {
	mu sync.Mutex

	jobs       map[string]*job.Record
	categories map[string]*categoryState
	cancel     map[string]struct{}
	dlqs       map[string]*dlq.Entry

	subs map[chan string]struct{}
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:       make(map[string]*job.Record),
		categories: make(map[string]*categoryState),
		cancel:     make(map[string]struct{}),
		dlqs:       make(map[string]*dlq.Entry),
		subs:       make(map[chan string]struct{}),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

func (m *Store) category(name string) *categoryState {
	cs, ok := m.categories[name]
	if !ok {
		cs = newCategoryState()
		m.categories[name] = cs
	}
	return cs
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new waiting job.
func (m *Store) EnqueueJob(_ context.Context, r *job.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[r.ID]; exists {
		return false, nil
	}
	cp := r.Clone()
	cp.State = job.StateWaiting
	m.jobs[cp.ID] = cp

	cs := m.category(cp.Category)
	if cp.RunAt.After(cp.EnqueuedAt) {
		cs.delayed[cp.ID] = cp.RunAt
	} else {
		cs.seq++
		cs.waiting[cp.ID] = waitingItem{priority: cp.Priority, seq: cs.seq}
	}
	return true, nil
}

// LeaseJob claims the next eligible job of a category.
func (m *Store) LeaseJob(_ context.Context, req job.LeaseRequest) (*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.category(req.Category)
	m.promote(cs, req.Now)

	var (
		bestID string
		best   waitingItem
	)
	for jobID, item := range cs.waiting {
		if bestID == "" || item.before(best) {
			bestID, best = jobID, item
		}
	}
	if bestID == "" {
		return nil, nil
	}
	delete(cs.waiting, bestID)

	r := m.jobs[bestID]
	expires := req.Now.Add(req.Duration)
	started := req.Now
	r.State = job.StateActive
	r.LeaseID = req.LeaseID
	r.LeaseExpiresAt = &expires
	r.StartedAt = &started
	r.WorkerID = req.WorkerID
	r.Touch(req.Now)
	cs.active[bestID] = expires
	return r.Clone(), nil
}

// promote moves due delayed jobs into the waiting set, ordered by due
// time so earlier retries keep their place.
func (m *Store) promote(cs *categoryState, now time.Time) {
	type due struct {
		id string
		at time.Time
	}
	var ready []due
	for jobID, at := range cs.delayed {
		if !at.After(now) {
			ready = append(ready, due{jobID, at})
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].at.Equal(ready[j].at) {
			return ready[i].id < ready[j].id
		}
		return ready[i].at.Before(ready[j].at)
	})
	for _, d := range ready {
		delete(cs.delayed, d.id)
		cs.seq++
		cs.waiting[d.id] = waitingItem{priority: m.jobs[d.id].Priority, seq: cs.seq}
	}
}

// GetJob retrieves a job by id.
func (m *Store) GetJob(_ context.Context, jobID string) (*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.jobs[jobID]
	if !ok {
		return nil, herald.ErrJobNotFound
	}
	return r.Clone(), nil
}

// held returns the record of an active job leased with leaseID.
func (m *Store) held(jobID, leaseID string) (*job.Record, error) {
	r, ok := m.jobs[jobID]
	if !ok {
		return nil, herald.ErrJobNotFound
	}
	if r.State != job.StateActive || r.LeaseID != leaseID {
		return nil, herald.ErrLeaseLost
	}
	return r, nil
}

// release clears lease bookkeeping of an active job.
func (m *Store) release(r *job.Record) {
	delete(m.category(r.Category).active, r.ID)
	r.LeaseID = ""
	r.LeaseExpiresAt = nil
}

func (m *Store) finish(r *job.Record, state job.State, now time.Time) {
	m.release(r)
	finished := now
	r.State = state
	r.FinishedAt = &finished
	r.Touch(now)
	delete(m.cancel, r.ID)
	if state != job.StateDeadLettered {
		m.category(r.Category).finished[r.ID] = now
	}
}

// UpdateProgress stores progress for an active job.
func (m *Store) UpdateProgress(_ context.Context, jobID, leaseID string, progress int, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.held(jobID, leaseID)
	if err != nil {
		return err
	}
	r.Progress = progress
	r.Message = message
	r.Touch(time.Now().UTC())
	return nil
}

// CompleteJob marks an active job completed.
func (m *Store) CompleteJob(_ context.Context, jobID, leaseID string, result json.RawMessage, now time.Time) (*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.held(jobID, leaseID)
	if err != nil {
		return nil, err
	}
	r.AttemptsMade++
	r.Progress = 100
	r.Result = append(json.RawMessage(nil), result...)
	r.LastError = ""
	r.FailureKind = ""
	m.finish(r, job.StateCompleted, now)
	return r.Clone(), nil
}

// RetryJob counts the failed attempt and reschedules the job. A job
// whose cancel flag is set is failed as cancelled instead.
func (m *Store) RetryJob(_ context.Context, jobID, leaseID, lastError string, runAt, now time.Time) (*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.held(jobID, leaseID)
	if err != nil {
		return nil, err
	}
	r.AttemptsMade++
	r.LastError = lastError
	if _, cancelled := m.cancel[jobID]; cancelled {
		r.FailureKind = job.FailureCancelled
		m.finish(r, job.StateFailed, now)
		return r.Clone(), nil
	}

	m.release(r)
	r.FailureKind = job.FailureTransient
	r.State = job.StateWaiting
	r.RunAt = runAt
	r.Touch(now)
	m.category(r.Category).delayed[jobID] = runAt
	return r.Clone(), nil
}

// FailJob counts the attempt and marks the job failed.
func (m *Store) FailJob(_ context.Context, jobID, leaseID string, kind job.FailureKind, lastError string, now time.Time) (*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.held(jobID, leaseID)
	if err != nil {
		return nil, err
	}
	r.AttemptsMade++
	r.LastError = lastError
	r.FailureKind = kind
	m.finish(r, job.StateFailed, now)
	return r.Clone(), nil
}

// RequestCancel sets the cancel flag and dequeues a job that has not
// started.
func (m *Store) RequestCancel(_ context.Context, jobID string, now time.Time) (*job.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.jobs[jobID]
	if !ok {
		return nil, false, herald.ErrJobNotFound
	}
	if r.State.Terminal() {
		return r.Clone(), false, nil
	}

	r.CancelRequested = true
	r.Touch(now)
	dequeued := false
	if r.State == job.StateWaiting {
		cs := m.category(r.Category)
		delete(cs.waiting, jobID)
		delete(cs.delayed, jobID)
		r.LastError = herald.ErrCancelled.Error()
		r.FailureKind = job.FailureCancelled
		m.finish(r, job.StateFailed, now)
		dequeued = true
	} else {
		m.cancel[jobID] = struct{}{}
	}

	for ch := range m.subs {
		select {
		case ch <- jobID:
		default:
		}
	}
	return r.Clone(), dequeued, nil
}

// IsCancelRequested reads the cancel flag of a job.
func (m *Store) IsCancelRequested(_ context.Context, _ string, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.cancel[jobID]
	return ok, nil
}

// SubscribeCancellations delivers cancel requests until ctx is done.
func (m *Store) SubscribeCancellations(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 64)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// ListExpiredLeases returns active jobs whose lease expired at or before
// the given time, oldest first.
func (m *Store) ListExpiredLeases(_ context.Context, category string, before time.Time, limit int) ([]*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.category(category)
	var out []*job.Record
	for jobID, expires := range cs.active {
		if !expires.After(before) {
			out = append(out, m.jobs[jobID].Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LeaseExpiresAt.Before(*out[j].LeaseExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CleanupJobs deletes finished records the policy expires.
func (m *Store) CleanupJobs(_ context.Context, category string, policy queue.CleanupPolicy, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.category(category)
	recs := make([]queue.Finished, 0, len(cs.finished))
	for jobID, at := range cs.finished {
		recs = append(recs, queue.Finished{ID: jobID, FinishedAt: at})
	}
	// Stable input order for equal timestamps.
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })

	expired := policy.Expired(recs, now)
	for _, jobID := range expired {
		delete(cs.finished, jobID)
		delete(m.jobs, jobID)
		delete(m.cancel, jobID)
	}
	return len(expired), nil
}

// CountJobs returns record counts for a category.
func (m *Store) CountJobs(_ context.Context, category string) (job.Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs := m.category(category)
	c := job.Counts{
		Waiting:  int64(len(cs.waiting)),
		Delayed:  int64(len(cs.delayed)),
		Active:   int64(len(cs.active)),
		Finished: int64(len(cs.finished)),
	}
	for _, e := range m.dlqs {
		if e.Category == category {
			c.DeadLettered++
		}
	}
	return c, nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// MoveToDeadLetter marks the active job dead-lettered and stores entry.
func (m *Store) MoveToDeadLetter(_ context.Context, jobID, leaseID string, entry *dlq.Entry) (*job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.held(jobID, leaseID)
	if err != nil {
		return nil, err
	}
	r.AttemptsMade++
	r.LastError = entry.Error
	r.FailureKind = entry.FailureKind
	m.finish(r, job.StateDeadLettered, entry.FailedAt)
	m.dlqs[entry.ID] = entry.Clone()
	return r.Clone(), nil
}

// ListDLQ returns entries newest first.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*dlq.Entry
	for _, e := range m.dlqs {
		if opts.Category != "" && e.Category != opts.Category {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].FailedAt.After(out[j].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// GetDLQ retrieves an entry by id.
func (m *Store) GetDLQ(_ context.Context, entryID string) (*dlq.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID]
	if !ok {
		return nil, herald.ErrDeadLetterNotFound
	}
	return e.Clone(), nil
}

// MarkReplayed records the replay of an entry.
func (m *Store) MarkReplayed(_ context.Context, entryID, newJobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID]
	if !ok {
		return herald.ErrDeadLetterNotFound
	}
	t := at
	e.ReplayedAt = &t
	e.ReplayJobID = newJobID
	return nil
}

// PurgeDLQ removes entries that failed before the given time together
// with their dead-lettered job records.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for entryID, e := range m.dlqs {
		if !e.FailedAt.Before(before) {
			continue
		}
		delete(m.dlqs, entryID)
		if r, ok := m.jobs[e.JobID]; ok && r.State == job.StateDeadLettered {
			delete(m.jobs, e.JobID)
		}
		n++
	}
	return n, nil
}

// CountDLQ returns the number of entries, optionally per category.
func (m *Store) CountDLQ(_ context.Context, category string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, e := range m.dlqs {
		if category == "" || e.Category == category {
			n++
		}
	}
	return n, nil
}
