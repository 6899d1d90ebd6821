// Package storetest is a behavioural test suite shared by every
// store.Store backend.
//
//	func TestStore(t *testing.T) {
//	    storetest.Run(t, func(t *testing.T) store.Store { return memory.New() })
//	}
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xraph/herald"
	"github.com/xraph/herald/dlq"
	"github.com/xraph/herald/id"
	"github.com/xraph/herald/job"
	"github.com/xraph/herald/queue"
	"github.com/xraph/herald/store"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"EnqueueIdempotent", testEnqueueIdempotent},
		{"PriorityOrder", testPriorityOrder},
		{"FIFOOnTies", testFIFOOnTies},
		{"DelayedPromotion", testDelayedPromotion},
		{"LeaseEmpty", testLeaseEmpty},
		{"ProgressRequiresLease", testProgressRequiresLease},
		{"Complete", testComplete},
		{"RetryThenLease", testRetryThenLease},
		{"RetryHonoursCancelFlag", testRetryHonoursCancelFlag},
		{"StaleLeaseCannotResolve", testStaleLeaseCannotResolve},
		{"CancelWaiting", testCancelWaiting},
		{"CancelActive", testCancelActive},
		{"CancelUnknown", testCancelUnknown},
		{"CancelSignal", testCancelSignal},
		{"ExpiredLeases", testExpiredLeases},
		{"Cleanup", testCleanup},
		{"DeadLetter", testDeadLetter},
		{"DeadLetterPurge", testDeadLetterPurge},
		{"ConcurrentLeasers", testConcurrentLeasers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			tt.fn(t, s)
		})
	}
}

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const category = "thumbnails"

func newRecord(priority int) *job.Record {
	return &job.Record{
		Entity:      herald.Entity{CreatedAt: base, UpdatedAt: base},
		ID:          id.NewJob(),
		Category:    category,
		Payload:     json.RawMessage(`{"n":1}`),
		Priority:    priority,
		MaxAttempts: 3,
		State:       job.StateWaiting,
		EnqueuedAt:  base,
		RunAt:       base,
		Owner:       "user-1",
		Entities:    []string{"brand-1"},
	}
}

func enqueue(t *testing.T, s store.Store, r *job.Record) {
	t.Helper()
	created, err := s.EnqueueJob(context.Background(), r)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if !created {
		t.Fatalf("EnqueueJob(%s) reported existing record", r.ID)
	}
}

func lease(t *testing.T, s store.Store, now time.Time) *job.Record {
	t.Helper()
	r, err := s.LeaseJob(context.Background(), job.LeaseRequest{
		Category: category,
		WorkerID: "node-a",
		LeaseID:  id.NewLease(),
		Now:      now,
		Duration: time.Minute,
	})
	if err != nil {
		t.Fatalf("LeaseJob: %v", err)
	}
	return r
}

func mustLease(t *testing.T, s store.Store, now time.Time) *job.Record {
	t.Helper()
	r := lease(t, s, now)
	if r == nil {
		t.Fatal("LeaseJob returned no job")
	}
	return r
}

func testEnqueueAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	enqueue(t, s, r)

	got, err := s.GetJob(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != job.StateWaiting || got.Category != category || got.Owner != "user-1" {
		t.Fatalf("got %+v", got)
	}
	if string(got.Payload) != `{"n":1}` {
		t.Errorf("Payload = %s", got.Payload)
	}
	if len(got.Entities) != 1 || got.Entities[0] != "brand-1" {
		t.Errorf("Entities = %v", got.Entities)
	}
	if got.MaxAttempts != 3 || got.AttemptsMade != 0 {
		t.Errorf("attempts = %d/%d", got.AttemptsMade, got.MaxAttempts)
	}

	if _, err := s.GetJob(ctx, "job_missing"); !errors.Is(err, herald.ErrJobNotFound) {
		t.Fatalf("GetJob missing = %v, want ErrJobNotFound", err)
	}
}

func testEnqueueIdempotent(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	enqueue(t, s, r)

	dup := newRecord(0)
	dup.ID = r.ID
	dup.Payload = json.RawMessage(`{"n":2}`)
	created, err := s.EnqueueJob(ctx, dup)
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	if created {
		t.Fatal("duplicate id must not be written")
	}
	got, _ := s.GetJob(ctx, r.ID)
	if string(got.Payload) != `{"n":1}` {
		t.Errorf("payload overwritten: %s", got.Payload)
	}
	counts, _ := s.CountJobs(ctx, category)
	if counts.Waiting != 1 {
		t.Errorf("Waiting = %d, want 1", counts.Waiting)
	}
}

func testPriorityOrder(t *testing.T, s store.Store) {
	for _, p := range []int{5, 1, 3} {
		enqueue(t, s, newRecord(p))
	}
	var got []int
	for range 3 {
		got = append(got, mustLease(t, s, base).Priority)
	}
	if fmt.Sprint(got) != "[1 3 5]" {
		t.Fatalf("lease order = %v, want [1 3 5]", got)
	}
}

func testFIFOOnTies(t *testing.T, s store.Store) {
	var ids []string
	for range 5 {
		r := newRecord(2)
		ids = append(ids, r.ID)
		enqueue(t, s, r)
	}
	urgent := newRecord(queue.MinPriority)
	enqueue(t, s, urgent)

	if got := mustLease(t, s, base); got.ID != urgent.ID {
		t.Fatalf("first lease = %s, want urgent job", got.ID)
	}
	for i, want := range ids {
		if got := mustLease(t, s, base); got.ID != want {
			t.Fatalf("lease %d = %s, want %s", i, got.ID, want)
		}
	}
}

func testDelayedPromotion(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	r.RunAt = base.Add(10 * time.Second)
	enqueue(t, s, r)

	counts, _ := s.CountJobs(ctx, category)
	if counts.Delayed != 1 || counts.Waiting != 0 {
		t.Fatalf("counts = %+v, want one delayed", counts)
	}
	if got := lease(t, s, base.Add(5*time.Second)); got != nil {
		t.Fatalf("leased %s before RunAt", got.ID)
	}
	got := mustLease(t, s, base.Add(10*time.Second))
	if got.ID != r.ID {
		t.Fatalf("leased %s, want %s", got.ID, r.ID)
	}
}

func testLeaseEmpty(t *testing.T, s store.Store) {
	if got := lease(t, s, base); got != nil {
		t.Fatalf("LeaseJob on empty store = %+v", got)
	}
}

func testProgressRequiresLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	enqueue(t, s, r)
	l := mustLease(t, s, base)

	if l.State != job.StateActive || l.LeaseID == "" || l.LeaseExpiresAt == nil {
		t.Fatalf("leased record = %+v", l)
	}
	if !l.LeaseExpiresAt.Equal(base.Add(time.Minute)) {
		t.Errorf("LeaseExpiresAt = %v", l.LeaseExpiresAt)
	}
	if err := s.UpdateProgress(ctx, r.ID, l.LeaseID, 40, "halfway"); err != nil {
		t.Fatalf("UpdateProgress: %v", err)
	}
	got, _ := s.GetJob(ctx, r.ID)
	if got.Progress != 40 || got.Message != "halfway" {
		t.Errorf("progress = %d %q", got.Progress, got.Message)
	}
	if err := s.UpdateProgress(ctx, r.ID, "lease_other", 50, ""); !errors.Is(err, herald.ErrLeaseLost) {
		t.Fatalf("UpdateProgress with wrong lease = %v, want ErrLeaseLost", err)
	}
}

func testComplete(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	enqueue(t, s, r)
	l := mustLease(t, s, base)

	done, err := s.CompleteJob(ctx, r.ID, l.LeaseID, json.RawMessage(`{"url":"x"}`), base.Add(time.Second))
	if err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}
	if done.State != job.StateCompleted || done.Progress != 100 || done.AttemptsMade != 1 {
		t.Fatalf("completed = %+v", done)
	}
	if done.FinishedAt == nil || done.LeaseExpiresAt != nil {
		t.Errorf("FinishedAt=%v LeaseExpiresAt=%v", done.FinishedAt, done.LeaseExpiresAt)
	}
	got, _ := s.GetJob(ctx, r.ID)
	if string(got.Result) != `{"url":"x"}` {
		t.Errorf("Result = %s", got.Result)
	}
	if _, err := s.CompleteJob(ctx, r.ID, l.LeaseID, nil, base); !errors.Is(err, herald.ErrLeaseLost) {
		t.Fatalf("second CompleteJob = %v, want ErrLeaseLost", err)
	}
	counts, _ := s.CountJobs(ctx, category)
	if counts.Active != 0 || counts.Finished != 1 {
		t.Errorf("counts = %+v", counts)
	}
}

func testRetryThenLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	enqueue(t, s, r)
	l := mustLease(t, s, base)

	runAt := base.Add(30 * time.Second)
	got, err := s.RetryJob(ctx, r.ID, l.LeaseID, "boom", runAt, base.Add(time.Second))
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if got.State != job.StateWaiting || got.AttemptsMade != 1 || got.LastError != "boom" {
		t.Fatalf("retried = %+v", got)
	}
	if got.FailureKind != job.FailureTransient {
		t.Errorf("FailureKind = %q", got.FailureKind)
	}
	if got.RetriesLeft() != 2 {
		t.Errorf("RetriesLeft = %d, want 2", got.RetriesLeft())
	}
	if again := lease(t, s, base.Add(10*time.Second)); again != nil {
		t.Fatal("retry leased before backoff elapsed")
	}
	again := mustLease(t, s, runAt)
	if again.ID != r.ID || again.LeaseID == l.LeaseID {
		t.Fatalf("re-leased %+v", again)
	}
}

func testRetryHonoursCancelFlag(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	enqueue(t, s, r)
	l := mustLease(t, s, base)

	if _, dequeued, err := s.RequestCancel(ctx, r.ID, base); err != nil || dequeued {
		t.Fatalf("RequestCancel = %v dequeued=%v", err, dequeued)
	}
	got, err := s.RetryJob(ctx, r.ID, l.LeaseID, "boom", base.Add(time.Second), base)
	if err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	if got.State != job.StateFailed || got.FailureKind != job.FailureCancelled {
		t.Fatalf("retry after cancel = %s/%s, want failed/cancelled", got.State, got.FailureKind)
	}
}

func testStaleLeaseCannotResolve(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	enqueue(t, s, r)
	first := mustLease(t, s, base)

	// Another owner resolves the job (the reaper path) and it is leased again.
	if _, err := s.RetryJob(ctx, r.ID, first.LeaseID, herald.ErrWorkerLost.Error(), base, base); err != nil {
		t.Fatalf("RetryJob: %v", err)
	}
	second := mustLease(t, s, base.Add(time.Second))

	if _, err := s.CompleteJob(ctx, r.ID, first.LeaseID, nil, base); !errors.Is(err, herald.ErrLeaseLost) {
		t.Fatalf("CompleteJob with stale lease = %v, want ErrLeaseLost", err)
	}
	if _, err := s.FailJob(ctx, r.ID, first.LeaseID, job.FailureCancelled, "", base); !errors.Is(err, herald.ErrLeaseLost) {
		t.Fatalf("FailJob with stale lease = %v, want ErrLeaseLost", err)
	}
	if _, err := s.CompleteJob(ctx, r.ID, second.LeaseID, nil, base); err != nil {
		t.Fatalf("CompleteJob with current lease: %v", err)
	}
}

func testCancelWaiting(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	enqueue(t, s, r)
	delayed := newRecord(0)
	delayed.RunAt = base.Add(time.Hour)
	enqueue(t, s, delayed)

	for _, jobID := range []string{r.ID, delayed.ID} {
		got, dequeued, err := s.RequestCancel(ctx, jobID, base)
		if err != nil {
			t.Fatalf("RequestCancel: %v", err)
		}
		if !dequeued || got.State != job.StateFailed || got.FailureKind != job.FailureCancelled || !got.CancelRequested {
			t.Fatalf("cancelled = %+v dequeued=%v", got, dequeued)
		}
	}
	if got := lease(t, s, base.Add(2*time.Hour)); got != nil {
		t.Fatalf("cancelled job leased: %s", got.ID)
	}

	// A second request is a no-op on a terminal job.
	got, dequeued, err := s.RequestCancel(ctx, r.ID, base)
	if err != nil || dequeued || got.State != job.StateFailed {
		t.Fatalf("repeat cancel = %+v %v %v", got, dequeued, err)
	}
}

func testCancelActive(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	enqueue(t, s, r)
	l := mustLease(t, s, base)

	if ok, _ := s.IsCancelRequested(ctx, category, r.ID); ok {
		t.Fatal("flag set before request")
	}
	got, dequeued, err := s.RequestCancel(ctx, r.ID, base)
	if err != nil || dequeued {
		t.Fatalf("RequestCancel = %v dequeued=%v", err, dequeued)
	}
	if got.State != job.StateActive || !got.CancelRequested {
		t.Fatalf("active cancel = %+v", got)
	}
	if ok, err := s.IsCancelRequested(ctx, category, r.ID); err != nil || !ok {
		t.Fatalf("IsCancelRequested = %v %v", ok, err)
	}
	if _, err := s.FailJob(ctx, r.ID, l.LeaseID, job.FailureCancelled, herald.ErrCancelled.Error(), base); err != nil {
		t.Fatalf("FailJob: %v", err)
	}
	if ok, _ := s.IsCancelRequested(ctx, category, r.ID); ok {
		t.Error("flag kept after the job finished")
	}
}

func testCancelUnknown(t *testing.T, s store.Store) {
	if _, _, err := s.RequestCancel(context.Background(), "job_nope", base); !errors.Is(err, herald.ErrJobNotFound) {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func testCancelSignal(t *testing.T, s store.Store) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.SubscribeCancellations(ctx)
	if err != nil {
		t.Fatalf("SubscribeCancellations: %v", err)
	}
	r := newRecord(0)
	enqueue(t, s, r)
	mustLease(t, s, base)

	// Subscriptions may become live asynchronously; retry the request.
	deadline := time.After(5 * time.Second)
	for {
		if _, _, err := s.RequestCancel(ctx, r.ID, base); err != nil {
			t.Fatalf("RequestCancel: %v", err)
		}
		select {
		case got := <-ch:
			if got != r.ID {
				t.Fatalf("signal for %s, want %s", got, r.ID)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no cancel signal received")
		}
	}
}

func testExpiredLeases(t *testing.T, s store.Store) {
	ctx := context.Background()
	for range 3 {
		enqueue(t, s, newRecord(0))
	}
	a := mustLease(t, s, base)
	b := mustLease(t, s, base.Add(30*time.Second))
	mustLease(t, s, base.Add(2*time.Minute))

	got, err := s.ListExpiredLeases(ctx, category, base.Add(100*time.Second), 0)
	if err != nil {
		t.Fatalf("ListExpiredLeases: %v", err)
	}
	if len(got) != 2 || got[0].ID != a.ID || got[1].ID != b.ID {
		t.Fatalf("expired = %v", ids(got))
	}
	got, _ = s.ListExpiredLeases(ctx, category, base.Add(100*time.Second), 1)
	if len(got) != 1 {
		t.Fatalf("limit ignored: %v", ids(got))
	}

	// b expires at exactly base+90s.
	got, _ = s.ListExpiredLeases(ctx, category, *b.LeaseExpiresAt, 0)
	if len(got) != 2 || got[1].ID != b.ID {
		t.Fatalf("expired at the boundary = %v, want [%s %s]", ids(got), a.ID, b.ID)
	}
	got, _ = s.ListExpiredLeases(ctx, category, b.LeaseExpiresAt.Add(-time.Millisecond), 0)
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("expired just before the boundary = %v, want [%s]", ids(got), a.ID)
	}
}

func testCleanup(t *testing.T, s store.Store) {
	ctx := context.Background()
	var finished []string
	for i := range 4 {
		r := newRecord(0)
		enqueue(t, s, r)
		l := mustLease(t, s, base)
		if _, err := s.CompleteJob(ctx, r.ID, l.LeaseID, nil, base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatal(err)
		}
		finished = append(finished, r.ID)
	}
	waiting := newRecord(0)
	enqueue(t, s, waiting)

	now := base.Add(4 * time.Hour)
	// Keep the two newest, and nothing older than 150 minutes.
	n, err := s.CleanupJobs(ctx, category, queue.CleanupPolicy{KeepCount: 2, KeepAge: 150 * time.Minute}, now)
	if err != nil {
		t.Fatalf("CleanupJobs: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	for i, jobID := range finished {
		_, err := s.GetJob(ctx, jobID)
		if i < 2 && !errors.Is(err, herald.ErrJobNotFound) {
			t.Errorf("record %d kept", i)
		}
		if i >= 2 && err != nil {
			t.Errorf("record %d deleted: %v", i, err)
		}
	}
	if _, err := s.GetJob(ctx, waiting.ID); err != nil {
		t.Errorf("waiting job deleted: %v", err)
	}

	n, _ = s.CleanupJobs(ctx, category, queue.CleanupPolicy{KeepAge: 90 * time.Minute}, now)
	if n != 1 {
		t.Fatalf("age-only cleanup deleted %d, want 1", n)
	}
}

func testDeadLetter(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRecord(0)
	enqueue(t, s, r)
	l := mustLease(t, s, base)

	svc := dlq.NewService(s, nil)
	entry, rec, err := svc.Push(ctx, l, errors.New("render failed"), base.Add(time.Second))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if rec.State != job.StateDeadLettered || rec.AttemptsMade != 1 || rec.FailureKind != job.FailureExhausted {
		t.Fatalf("record = %+v", rec)
	}
	if entry.Attempts != 1 || entry.Error != "render failed" || entry.JobID != r.ID {
		t.Fatalf("entry = %+v", entry)
	}

	got, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if string(got.Payload) != `{"n":1}` || got.Owner != "user-1" || got.Category != category {
		t.Fatalf("stored entry = %+v", got)
	}
	if _, _, err := svc.Push(ctx, l, errors.New("again"), base); !errors.Is(err, herald.ErrLeaseLost) {
		t.Fatalf("second Push = %v, want ErrLeaseLost", err)
	}

	if err := s.MarkReplayed(ctx, entry.ID, "job_new", base.Add(time.Minute)); err != nil {
		t.Fatalf("MarkReplayed: %v", err)
	}
	got, _ = s.GetDLQ(ctx, entry.ID)
	if got.ReplayJobID != "job_new" || got.ReplayedAt == nil {
		t.Fatalf("replay bookkeeping = %+v", got)
	}

	list, err := s.ListDLQ(ctx, dlq.ListOpts{Category: category})
	if err != nil || len(list) != 1 {
		t.Fatalf("ListDLQ = %d entries, %v", len(list), err)
	}
	if list, _ := s.ListDLQ(ctx, dlq.ListOpts{Category: "other"}); len(list) != 0 {
		t.Fatalf("category filter ignored")
	}
	if n, _ := s.CountDLQ(ctx, ""); n != 1 {
		t.Errorf("CountDLQ = %d", n)
	}
	if _, err := s.GetDLQ(ctx, "dlq_missing"); !errors.Is(err, herald.ErrDeadLetterNotFound) {
		t.Fatalf("GetDLQ missing = %v", err)
	}
}

func testDeadLetterPurge(t *testing.T, s store.Store) {
	ctx := context.Background()
	svc := dlq.NewService(s, nil)
	for i := range 3 {
		r := newRecord(0)
		enqueue(t, s, r)
		l := mustLease(t, s, base)
		if _, _, err := svc.Push(ctx, l, errors.New("x"), base.Add(time.Duration(i)*24*time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	list, _ := s.ListDLQ(ctx, dlq.ListOpts{Limit: 2})
	if len(list) != 2 || !list[0].FailedAt.After(list[1].FailedAt) {
		t.Fatalf("ListDLQ not newest first")
	}
	list, _ = s.ListDLQ(ctx, dlq.ListOpts{Offset: 2})
	if len(list) != 1 {
		t.Fatalf("offset ignored: %d", len(list))
	}

	n, err := svc.Purge(ctx, 36*time.Hour, base.Add(3*24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if c, _ := s.CountDLQ(ctx, category); c != 1 {
		t.Fatalf("CountDLQ = %d, want 1", c)
	}
}

func testConcurrentLeasers(t *testing.T, s store.Store) {
	const jobs = 50
	for range jobs {
		enqueue(t, s, newRecord(0))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				r, err := s.LeaseJob(context.Background(), job.LeaseRequest{
					Category: category,
					WorkerID: "node",
					LeaseID:  id.NewLease(),
					Now:      base,
					Duration: time.Minute,
				})
				if err != nil {
					t.Errorf("LeaseJob: %v", err)
					return
				}
				if r == nil {
					return
				}
				mu.Lock()
				seen[r.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != jobs {
		t.Fatalf("leased %d distinct jobs, want %d", len(seen), jobs)
	}
	for jobID, n := range seen {
		if n != 1 {
			t.Fatalf("job %s leased %d times", jobID, n)
		}
	}
}

func ids(rs []*job.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}
