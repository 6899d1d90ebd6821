// Package ext defines the extension system for herald.
//
// Extensions are notified of job lifecycle events and can react to
// them. The stream broker publishes events to subscribers this way, the
// alert package forwards dead letters to operators, and the
// observability package records counters.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnJobCompleted(ctx context.Context, r *job.Record, elapsed time.Duration) error {
//	    log.Printf("job %s completed in %s", r.ID, elapsed)
//	    return nil
//	}
//
// # Job Lifecycle Hooks
//
//   - [JobSubmitted]: job was accepted into its queue
//   - [JobStarted]: a worker leased the job
//   - [JobProgress]: the handler reported progress
//   - [JobCompleted]: job finished successfully
//   - [JobRetrying]: an attempt failed and the job was rescheduled
//   - [JobCancelled]: job ended because cancellation was requested
//   - [JobDeadLettered]: attempts exhausted, dead letter written
//   - [JobReclaimed]: the reaper resolved a lost lease
//
// # Other Hooks
//
//   - [Shutdown]: the engine is shutting down gracefully
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface. Hook errors are logged
// and never returned to the caller.
package ext
