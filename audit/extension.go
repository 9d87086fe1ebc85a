package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/ext"
	"github.com/xraph/escrow/status"
)

// Compile-time interface checks.
var (
	_ ext.Extension          = (*Extension)(nil)
	_ ext.StatusChanged      = (*Extension)(nil)
	_ ext.TransitionRejected = (*Extension)(nil)
	_ ext.DependencyAdded    = (*Extension)(nil)
	_ ext.DependencyRemoved  = (*Extension)(nil)
	_ ext.EntityDeleted      = (*Extension)(nil)
)

// Event is one entry in the audit trail.
type Event struct {
	// What happened
	Action   string `json:"action"`
	Category string `json:"category"`

	// Which entity
	Resource   string `json:"resource"`
	ResourceID string `json:"resource_id"`

	// Details
	Actor     string         `json:"actor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Outcome   string         `json:"outcome"`
	Severity  string         `json:"severity"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Severity constants.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension records lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit" }

// ── Status hooks ────────────────────────────────────

// OnStatusChanged implements ext.StatusChanged.
func (e *Extension) OnStatusChanged(ctx context.Context, u *status.Update) error {
	r := u.Record
	kv := []any{
		"current_status", r.CurrentStatus,
		"version", r.Version,
		"is_blocked", r.IsBlocked,
	}
	if u.Cause != r.Key {
		kv = append(kv, "cause", u.Cause.String())
	}

	switch {
	case u.Change != nil:
		kv = append(kv, "old_status", u.Change.OldStatus, "new_status", u.Change.NewStatus)
		return e.record(ctx, ActionTransitioned, SeverityInfo, OutcomeSuccess,
			CategoryStatus, r.Key, u.Change.ChangedBy, u.Change.Reason, kv...)
	case u.Unblocked:
		return e.record(ctx, ActionUnblocked, SeverityInfo, OutcomeSuccess,
			CategoryStatus, r.Key, "", "", kv...)
	default:
		if r.IsBlocked {
			kv = append(kv, "blocking_reason", r.BlockingReason)
		}
		return e.record(ctx, ActionRecordUpdated, SeverityInfo, OutcomeSuccess,
			CategoryStatus, r.Key, "", "", kv...)
	}
}

// OnTransitionRejected implements ext.TransitionRejected.
func (e *Extension) OnTransitionRejected(ctx context.Context, key entity.Key, newStatus, reason string) error {
	return e.record(ctx, ActionTransitionRejected, SeverityWarning, OutcomeFailure,
		CategoryStatus, key, "", reason,
		"new_status", newStatus,
	)
}

// ── Dependency hooks ────────────────────────────────

// OnDependencyAdded implements ext.DependencyAdded.
func (e *Extension) OnDependencyAdded(ctx context.Context, owner entity.Key, d status.Dependency) error {
	return e.record(ctx, ActionDependencyAdded, SeverityInfo, OutcomeSuccess,
		CategoryDependency, owner, "", "",
		"target", d.Target().String(),
		"required_status", d.RequiredStatus,
		"is_satisfied", d.IsSatisfied,
	)
}

// OnDependencyRemoved implements ext.DependencyRemoved.
func (e *Extension) OnDependencyRemoved(ctx context.Context, owner, target entity.Key) error {
	return e.record(ctx, ActionDependencyRemoved, SeverityInfo, OutcomeSuccess,
		CategoryDependency, owner, "", "",
		"target", target.String(),
	)
}

// ── Entity hooks ────────────────────────────────────

// OnEntityDeleted implements ext.EntityDeleted.
func (e *Extension) OnEntityDeleted(ctx context.Context, key entity.Key) error {
	return e.record(ctx, ActionEntityDeleted, SeverityWarning, OutcomeSuccess,
		CategoryEntity, key, "", "")
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event. actor falls back to the caller
// identity on ctx. Recorder failures are logged, never returned.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome, category string,
	key entity.Key,
	actor, reason string,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		k, ok := kvPairs[i].(string)
		if !ok {
			k = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[k] = kvPairs[i+1]
	}

	if actor == "" {
		if c, ok := escrow.CallerFrom(ctx); ok {
			actor = c.ID
		}
	}

	evt := &Event{
		Action:     action,
		Category:   category,
		Resource:   key.Kind.String(),
		ResourceID: key.ID,
		Actor:      actor,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
		Timestamp:  e.now(),
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit: failed to record audit event",
			slog.String("action", action),
			slog.String("entity", key.String()),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
