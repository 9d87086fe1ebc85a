package middleware

import (
	"context"
	"errors"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
)

// Operation names passed in Op.Name.
const (
	OpTransition       = "transition"
	OpAddDependency    = "add_dependency"
	OpRemoveDependency = "remove_dependency"
	OpDeleteEntity     = "delete_entity"
)

// Op describes the engine operation being run.
type Op struct {
	Name string
	Key  entity.Key

	// NewStatus and ChangedBy are set for transitions only.
	NewStatus string
	ChangedBy string

	// Target is the dependency target for dependency operations.
	Target entity.Key
}

// Handler is the terminal function that performs the operation.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the operation being run, and the
// next handler to call. Middleware MUST call next to continue the chain
// (unless short-circuiting on error).
type Middleware func(ctx context.Context, op *Op, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// Middleware are applied right-to-left: the first middleware in the
// list is the outermost wrapper.
//
// Example: Chain(logging, recover) executes as:
//
//	logging → recover → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, op *Op, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, op, prev)
			}
		}
		return h(ctx)
	}
}

// Outcome classifies an operation result for logs, spans and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, escrow.ErrBlocked):
		return "blocked"
	case errors.Is(err, escrow.ErrContention):
		return "contention"
	case errors.Is(err, escrow.ErrInvalidEntityType),
		errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrSelfDependency):
		return "invalid"
	default:
		return "error"
	}
}
