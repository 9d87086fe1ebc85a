// Package ext defines the extension system for the tracker.
//
// Extensions are notified of lifecycle events and can react to them:
// broadcasting to subscribers, relaying to other instances, writing audit
// logs, recording metrics. Each lifecycle hook is a separate interface so
// extensions opt in only to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	func (e *MyExtension) OnStatusChanged(ctx context.Context, u *status.Update) error {
//	    log.Printf("%s is now %s", u.Record.Key, u.Record.CurrentStatus)
//	    return nil
//	}
//
// # Hooks
//
//   - [StatusChanged]: a record was written by a committed operation
//   - [TransitionRejected]: a transition was refused because the record is blocked
//   - [DependencyAdded]: an edge was added or replaced
//   - [DependencyRemoved]: an edge was removed
//   - [EntityDeleted]: an entity and its record were deleted
//   - [Shutdown]: the tracker is shutting down
//
// Hook errors are logged and never returned to the caller of the
// operation that triggered them.
package ext
