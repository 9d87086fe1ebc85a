package ext

import (
	"context"

	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/status"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Status lifecycle hooks
// ──────────────────────────────────────────────────

// StatusChanged is called once per record written by a committed
// operation, in commit order, while the owning entity is still locked.
type StatusChanged interface {
	OnStatusChanged(ctx context.Context, u *status.Update) error
}

// TransitionRejected is called when a transition is refused because the
// record is blocked.
type TransitionRejected interface {
	OnTransitionRejected(ctx context.Context, key entity.Key, newStatus, reason string) error
}

// ──────────────────────────────────────────────────
// Dependency lifecycle hooks
// ──────────────────────────────────────────────────

// DependencyAdded is called after an edge is added or replaced.
type DependencyAdded interface {
	OnDependencyAdded(ctx context.Context, owner entity.Key, d status.Dependency) error
}

// DependencyRemoved is called after an existing edge is removed.
type DependencyRemoved interface {
	OnDependencyRemoved(ctx context.Context, owner, target entity.Key) error
}

// ──────────────────────────────────────────────────
// Entity and system hooks
// ──────────────────────────────────────────────────

// EntityDeleted is called after an entity and its record are deleted.
type EntityDeleted interface {
	OnEntityDeleted(ctx context.Context, key entity.Key) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
