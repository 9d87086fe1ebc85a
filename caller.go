package escrow

import "context"

// Caller is the identity of whoever requested a mutation. It is supplied
// by the surrounding authentication layer.
type Caller struct {
	ID    string
	Roles []string
}

type callerKey struct{}

// WithCaller returns a copy of ctx carrying the caller identity.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller identity stored in ctx.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}
