// Package ext defines the extension system. Extensions are notified of job
// lifecycle events and react to them (metrics, event publishing, audit).
// Each hook is a separate interface so an extension opts in only to the
// events it cares about.
//
//	type auditExt struct{}
//
//	func (auditExt) Name() string { return "audit" }
//
//	func (auditExt) OnJobSkipped(ctx context.Context, j *job.Job, reason string) error {
//	    slog.InfoContext(ctx, "skipped", "job_id", j.ID, "reason", reason)
//	    return nil
//	}
//
// Hooks:
//
//   - [JobSubmitted]: accepted by the submission gate
//   - [JobStarted]: claimed and about to be dispatched
//   - [JobCompleted]: provider accepted the message
//   - [JobSkipped]: recipient opted out at dispatch time
//   - [JobRetrying]: transient failure, requeued with a delay
//   - [JobFailed]: permanent failure or attempts exhausted
//   - [JobRecovered]: an expired lease returned the job to pending
//   - [OutcomeRecorded]: the outcome log gained a record
//   - [Shutdown]: the engine is stopping
//
// Hook errors are logged and never interrupt processing.
package ext
