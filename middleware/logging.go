package middleware

import (
	"context"
	"log/slog"
	"time"
)

// Logging returns middleware that logs each operation and its outcome.
// Blocked and contended operations are expected and logged at Info.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, op *Op, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		attrs := []any{
			slog.String("op", op.Name),
			slog.String("entity_type", op.Key.Kind.String()),
			slog.String("entity_id", op.Key.ID),
			slog.Duration("elapsed", elapsed),
		}
		if op.NewStatus != "" {
			attrs = append(attrs, slog.String("new_status", op.NewStatus))
		}

		switch outcome := Outcome(err); outcome {
		case "ok":
			logger.Info("operation completed", attrs...)
		case "error":
			logger.Error("operation failed", append(attrs, slog.String("error", err.Error()))...)
		default:
			logger.Info("operation rejected",
				append(attrs, slog.String("outcome", outcome), slog.String("error", err.Error()))...)
		}

		return err
	}
}
