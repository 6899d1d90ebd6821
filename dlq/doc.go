// Package dlq archives jobs that exhausted their attempts and supports
// inspection, replay and retention purging.
//
// When the last allowed attempt of a job fails, the worker calls
// [Service.Push]. The store marks the job dead-lettered and writes the
// [Entry] in the same step, conditional on the worker still holding the
// lease, so a reclaimed job is never archived twice.
//
// # Entry
//
// An [Entry] keeps the original payload, the final error, the failure
// kind (exhausted or worker_lost), the attempt count and the owner. It
// is never modified except for replay bookkeeping.
//
// # Replay
//
// [Service.Replay] submits the archived payload as a new job with a
// fresh attempt budget and records the new job id on the entry:
//
//	jobID, err := eng.DLQ().Replay(ctx, entryID)
//
// # Retention
//
// The reaper calls [Service.Purge] with the configured retention
// (30 days by default).
package dlq
