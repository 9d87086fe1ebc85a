package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace. A panic
// inside a store transaction has already rolled it back by the time it
// reaches here.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, op *Op, next Handler) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("operation panicked",
					slog.String("op", op.Name),
					slog.String("entity", op.Key.String()),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in %s %s: %v", op.Name, op.Key, r)
			}
		}()
		return next(ctx)
	}
}
