package api

import (
	"context"
	"fmt"
	"slices"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
)

// Action is the kind of mutation being authorized.
type Action string

// Actions checked by the API.
const (
	ActionTransition Action = "transition"
	ActionDependency Action = "dependency"
	ActionEntity     Action = "entity"
)

// Authorizer decides whether a caller may mutate an entity. It returns an
// error matching escrow.ErrForbidden to refuse.
type Authorizer interface {
	Authorize(ctx context.Context, caller escrow.Caller, key entity.Key, action Action) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, caller escrow.Caller, key entity.Key, action Action) error

// Authorize implements Authorizer.
func (f AuthorizerFunc) Authorize(ctx context.Context, caller escrow.Caller, key entity.Key, action Action) error {
	return f(ctx, caller, key, action)
}

// AllowAll permits every mutation (development mode).
type AllowAll struct{}

// Authorize implements Authorizer.
func (AllowAll) Authorize(context.Context, escrow.Caller, entity.Key, Action) error { return nil }

// RequireRole permits a mutation only when the caller holds role.
func RequireRole(role string) Authorizer {
	return AuthorizerFunc(func(_ context.Context, c escrow.Caller, key entity.Key, action Action) error {
		if slices.Contains(c.Roles, role) {
			return nil
		}
		return fmt.Errorf("%w: %s on %s requires role %q", escrow.ErrForbidden, action, key, role)
	})
}
