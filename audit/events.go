package audit

// Audit event actions. Each constant corresponds to one lifecycle hook
// outcome and becomes the Action field of the audit event.
const (
	ActionTransitioned       = "status.transitioned"
	ActionTransitionRejected = "status.transition_rejected"
	ActionUnblocked          = "record.unblocked"
	ActionRecordUpdated      = "record.updated"
	ActionDependencyAdded    = "dependency.added"
	ActionDependencyRemoved  = "dependency.removed"
	ActionEntityDeleted      = "entity.deleted"
)

// Audit event categories group related actions.
const (
	CategoryStatus     = "escrow.status"
	CategoryDependency = "escrow.dependency"
	CategoryEntity     = "escrow.entity"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionTransitioned,
		ActionTransitionRejected,
		ActionUnblocked,
		ActionRecordUpdated,
		ActionDependencyAdded,
		ActionDependencyRemoved,
		ActionEntityDeleted,
	}
}
