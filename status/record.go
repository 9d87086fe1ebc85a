// Package status defines the status-tracking record kept for every entity,
// the dependency edges between records, and the pure evaluator that derives
// whether a record is blocked.
package status

import (
	"maps"
	"slices"
	"time"

	"github.com/xraph/escrow/entity"
)

// InitialStatus is recorded as the old status of the first change in a
// record's history.
const InitialStatus = "Initial"

// Change is one immutable entry in a record's history.
type Change struct {
	OldStatus string         `json:"old_status"`
	NewStatus string         `json:"new_status"`
	ChangedBy string         `json:"changed_by"`
	ChangedAt time.Time      `json:"changed_at"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Dependency is a directed edge: the owning record requires the target
// entity to be at RequiredStatus.
type Dependency struct {
	EntityType     entity.Kind `json:"entity_type"`
	EntityID       string      `json:"entity_id"`
	RequiredStatus string      `json:"required_status"`
	IsSatisfied    bool        `json:"is_satisfied"`
	SatisfiedAt    *time.Time  `json:"satisfied_at,omitempty"`
}

// Target returns the key of the entity this edge points at.
func (d Dependency) Target() entity.Key {
	return entity.Key{Kind: d.EntityType, ID: d.EntityID}
}

// Record is the tracking projection of one entity: its current status,
// full history and dependencies. IsBlocked and BlockingReason are derived
// from Dependencies by Evaluate; BlockingReason is empty iff IsBlocked is
// false.
type Record struct {
	Key            entity.Key
	CurrentStatus  string
	History        []Change
	Dependencies   []Dependency
	IsBlocked      bool
	BlockingReason string

	// Version is bumped by the store on every successful write and is used
	// for optimistic concurrency control.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord returns an empty record for key with the given current status.
func NewRecord(key entity.Key, currentStatus string, now time.Time) *Record {
	return &Record{
		Key:           key,
		CurrentStatus: currentStatus,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.History = make([]Change, len(r.History))
	for i, c := range r.History {
		c.Metadata = maps.Clone(c.Metadata)
		cp.History[i] = c
	}
	cp.Dependencies = slices.Clone(r.Dependencies)
	for i, d := range cp.Dependencies {
		if d.SatisfiedAt != nil {
			at := *d.SatisfiedAt
			cp.Dependencies[i].SatisfiedAt = &at
		}
	}
	return &cp
}

// DependsOn reports whether r holds an edge pointing at target.
func (r *Record) DependsOn(target entity.Key) bool {
	return r.indexOf(target) >= 0
}

func (r *Record) indexOf(target entity.Key) int {
	return slices.IndexFunc(r.Dependencies, func(d Dependency) bool {
		return d.Target() == target
	})
}

// Update describes one record written by a committed operation.
type Update struct {
	// Record is the committed snapshot.
	Record *Record

	// Cause is the entity whose operation produced the write. It equals
	// Record.Key for the owning record and differs for dependents.
	Cause entity.Key

	// Change is the history entry appended by a transition, or nil when
	// only dependencies or derived fields changed.
	Change *Change

	// Unblocked is set when the write moved the record from blocked to
	// unblocked.
	Unblocked bool
}
