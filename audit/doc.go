// Package audit is a tracker extension that turns lifecycle hooks into an
// audit trail.
//
// Every committed write, rejected transition, dependency change and entity
// deletion becomes a structured [Event] handed to a [Recorder]. Severity is
// info for normal operations and warning for rejections and deletions.
// The caller identity attached to the request context becomes the event
// actor.
//
// # Logging recorder
//
//	audit.New(audit.NewLogRecorder(logger))
//
// # Custom backends
//
//	audit.New(audit.RecorderFunc(func(ctx context.Context, evt *audit.Event) error {
//	    return db.InsertAudit(ctx, evt)
//	}))
//
// # Selective filtering
//
//	audit.New(recorder,
//	    audit.WithActions(
//	        audit.ActionTransitionRejected,
//	        audit.ActionEntityDeleted,
//	    ),
//	)
package audit
