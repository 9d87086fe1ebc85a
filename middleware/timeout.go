package middleware

import (
	"context"
	"time"
)

// Timeout returns middleware that bounds a whole operation, including the
// wait for the entity lock and every store round trip. A non-positive d
// disables it.
func Timeout(d time.Duration) Middleware {
	return func(ctx context.Context, _ *Op, next Handler) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
