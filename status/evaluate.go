package status

import (
	"fmt"
	"slices"
	"time"

	"github.com/xraph/escrow/entity"
)

// Evaluate reports whether r is blocked and, if so, describes the first
// unsatisfied dependency in list order.
func Evaluate(r *Record) (blocked bool, reason string) {
	for _, d := range r.Dependencies {
		if !d.IsSatisfied {
			return true, Reason(d)
		}
	}
	return false, ""
}

// Reason is the human-readable blocking reason for an unsatisfied edge.
func Reason(d Dependency) string {
	return fmt.Sprintf("Waiting for %s %s to reach status %s", d.EntityType, d.EntityID, d.RequiredStatus)
}

// Refresh recomputes r's derived fields from its dependencies.
func Refresh(r *Record) {
	r.IsBlocked, r.BlockingReason = Evaluate(r)
}

// CanChangeStatus reports whether r may move to newStatus. Any unsatisfied
// dependency blocks every transition regardless of the target status.
func CanChangeStatus(r *Record, _ string) bool {
	blocked, _ := Evaluate(r)
	return !blocked
}

// ApplyChange appends c to r's history and makes c.NewStatus current.
// c.OldStatus is filled from r: the current status, or InitialStatus when
// the history is empty.
func ApplyChange(r *Record, c Change) {
	if len(r.History) == 0 {
		c.OldStatus = InitialStatus
	} else {
		c.OldStatus = r.CurrentStatus
	}
	r.History = append(r.History, c)
	r.CurrentStatus = c.NewStatus
	r.UpdatedAt = c.ChangedAt
}

// UpdateDependency records that target has moved to newStatus. The edge
// becomes satisfied iff newStatus equals its required status. It reports
// false when r has no edge pointing at target.
func UpdateDependency(r *Record, target entity.Key, newStatus string, at time.Time) bool {
	i := r.indexOf(target)
	if i < 0 {
		return false
	}
	d := &r.Dependencies[i]
	d.IsSatisfied = newStatus == d.RequiredStatus
	if d.IsSatisfied {
		ts := at
		d.SatisfiedAt = &ts
	} else {
		d.SatisfiedAt = nil
	}
	Refresh(r)
	r.UpdatedAt = at
	return true
}

// AddDependency appends d, or replaces the existing edge with the same
// target. The edge's satisfaction is taken as given; the target's status
// is not consulted. It reports whether an edge was replaced.
func AddDependency(r *Record, d Dependency) bool {
	if !d.IsSatisfied {
		d.SatisfiedAt = nil
	}
	replaced := false
	if i := r.indexOf(d.Target()); i >= 0 {
		r.Dependencies[i] = d
		replaced = true
	} else {
		r.Dependencies = append(r.Dependencies, d)
	}
	Refresh(r)
	return replaced
}

// RemoveDependency drops the edge pointing at target and re-evaluates r.
// It reports false, leaving r untouched, when no such edge exists.
func RemoveDependency(r *Record, target entity.Key) bool {
	i := r.indexOf(target)
	if i < 0 {
		return false
	}
	r.Dependencies = slices.Delete(r.Dependencies, i, i+1)
	Refresh(r)
	return true
}
