// Package audithook is a herald extension that writes an audit trail of
// notification deliveries.
//
// Submission, delivery, compliance skips, retries, terminal failures and
// lease recoveries each produce an [AuditEvent] passed to a [Recorder].
// Skips carry the compliance reason, which makes the trail usable as
// evidence that opted-out recipients were not contacted.
//
//	eng, err := engine.New(cfg,
//	    engine.WithExtension(audithook.New(audithook.LogRecorder(auditLogger),
//	        audithook.WithActions(audithook.ActionJobSkipped, audithook.ActionJobFailed),
//	    )),
//	)
package audithook
