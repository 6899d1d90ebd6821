// Package queue defines per-category queue configuration and the
// runtime limits applied when leasing jobs.
//
// Every job category owns one queue. Its [Config] fixes how many jobs of
// the category run at once in a process, how long a lease lasts, how
// failures are retried and how finished records are cleaned up:
//
//	queue.Config{
//	    Name:        "logo-generation",
//	    Concurrency: 4,
//	    Timeout:     2 * time.Minute,
//	    Retry:       queue.RetryPolicy{MaxAttempts: 3, Backoff: backoff.DefaultStrategy()},
//	    Cleanup:     queue.CleanupPolicy{KeepCount: 500, KeepAge: 24 * time.Hour},
//	}
//
// Configs are validated once when the job registry is initialized and
// are immutable afterwards.
//
// # Manager
//
// [Manager] gates lease attempts with a concurrency count and an
// optional token-bucket rate limiter (golang.org/x/time/rate):
//
//	if m.Acquire(category) {
//	    if r := lease(); r == nil {
//	        m.Unused(category) // nothing leased, the token is kept
//	    } else {
//	        m.Leased(category)
//	        run(r)
//	        m.Release(category)
//	    }
//	}
package queue
