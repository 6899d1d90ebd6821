package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xraph/herald/job"
)

var _ job.Task = (*task)(nil)

// task is the job.Task handed to a running handler. Requesting
// cancellation closes the cancelled channel and cancels the handler
// context at the same moment. Aborting on shutdown only cancels the
// context, and the attempt then fails as a lost worker instead of being
// marked cancelled.
type task struct {
	rec    *job.Record
	ctx    context.Context
	cancel context.CancelFunc

	once      sync.Once
	cancelled chan struct{}
	aborted   atomic.Bool

	mu       sync.Mutex
	reporter *reporter
}

func newTask(parent context.Context, r *job.Record) *task {
	ctx, cancel := context.WithCancel(parent)
	return &task{
		rec:       r,
		ctx:       ctx,
		cancel:    cancel,
		cancelled: make(chan struct{}),
	}
}

func (t *task) ID() string       { return t.rec.ID }
func (t *task) Category() string { return t.rec.Category }
func (t *task) Attempt() int     { return t.rec.AttemptsMade + 1 }
func (t *task) Owner() string    { return t.rec.Owner }

// Report queues a progress update. Reports outside an execution are
// ignored.
func (t *task) Report(percent int, message string) {
	t.mu.Lock()
	rp := t.reporter
	t.mu.Unlock()
	if rp != nil {
		rp.report(percent, message)
	}
}

func (t *task) Cancelled() <-chan struct{} { return t.cancelled }

func (t *task) IsCancelled() bool {
	select {
	case <-t.cancelled:
		return true
	default:
		return false
	}
}

// requestCancel signals cancellation. Safe to call more than once.
func (t *task) requestCancel() {
	t.once.Do(func() {
		close(t.cancelled)
		t.cancel()
	})
}

// abort cancels the handler context without marking the job cancelled.
func (t *task) abort() {
	t.aborted.Store(true)
	t.cancel()
}

func (t *task) attach(rp *reporter) {
	t.mu.Lock()
	t.reporter = rp
	t.mu.Unlock()
}
