package ext

import (
	"context"
	"log/slog"

	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/status"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time.
type statusChangedEntry struct {
	name string
	hook StatusChanged
}

type transitionRejectedEntry struct {
	name string
	hook TransitionRejected
}

type dependencyAddedEntry struct {
	name string
	hook DependencyAdded
}

type dependencyRemovedEntry struct {
	name string
	hook DependencyRemoved
}

type entityDeletedEntry struct {
	name string
	hook EntityDeleted
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	statusChanged      []statusChangedEntry
	transitionRejected []transitionRejectedEntry
	dependencyAdded    []dependencyAddedEntry
	dependencyRemoved  []dependencyRemovedEntry
	entityDeleted      []entityDeletedEntry
	shutdown           []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(StatusChanged); ok {
		r.statusChanged = append(r.statusChanged, statusChangedEntry{name, h})
	}
	if h, ok := e.(TransitionRejected); ok {
		r.transitionRejected = append(r.transitionRejected, transitionRejectedEntry{name, h})
	}
	if h, ok := e.(DependencyAdded); ok {
		r.dependencyAdded = append(r.dependencyAdded, dependencyAddedEntry{name, h})
	}
	if h, ok := e.(DependencyRemoved); ok {
		r.dependencyRemoved = append(r.dependencyRemoved, dependencyRemovedEntry{name, h})
	}
	if h, ok := e.(EntityDeleted); ok {
		r.entityDeleted = append(r.entityDeleted, entityDeletedEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// EmitStatusChanged notifies all extensions that implement StatusChanged.
func (r *Registry) EmitStatusChanged(ctx context.Context, u *status.Update) {
	for _, e := range r.statusChanged {
		if err := e.hook.OnStatusChanged(ctx, u); err != nil {
			r.logHookError("OnStatusChanged", e.name, err)
		}
	}
}

// EmitTransitionRejected notifies all extensions that implement TransitionRejected.
func (r *Registry) EmitTransitionRejected(ctx context.Context, key entity.Key, newStatus, reason string) {
	for _, e := range r.transitionRejected {
		if err := e.hook.OnTransitionRejected(ctx, key, newStatus, reason); err != nil {
			r.logHookError("OnTransitionRejected", e.name, err)
		}
	}
}

// EmitDependencyAdded notifies all extensions that implement DependencyAdded.
func (r *Registry) EmitDependencyAdded(ctx context.Context, owner entity.Key, d status.Dependency) {
	for _, e := range r.dependencyAdded {
		if err := e.hook.OnDependencyAdded(ctx, owner, d); err != nil {
			r.logHookError("OnDependencyAdded", e.name, err)
		}
	}
}

// EmitDependencyRemoved notifies all extensions that implement DependencyRemoved.
func (r *Registry) EmitDependencyRemoved(ctx context.Context, owner, target entity.Key) {
	for _, e := range r.dependencyRemoved {
		if err := e.hook.OnDependencyRemoved(ctx, owner, target); err != nil {
			r.logHookError("OnDependencyRemoved", e.name, err)
		}
	}
}

// EmitEntityDeleted notifies all extensions that implement EntityDeleted.
func (r *Registry) EmitEntityDeleted(ctx context.Context, key entity.Key) {
	for _, e := range r.entityDeleted {
		if err := e.hook.OnEntityDeleted(ctx, key); err != nil {
			r.logHookError("OnEntityDeleted", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated: they must not undo a commit.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
