package audit

import (
	"context"
	"log/slog"
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// LogRecorder writes audit events as structured log records.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder returns a Recorder that logs through logger.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger}
}

// Record implements Recorder.
func (r *LogRecorder) Record(ctx context.Context, evt *Event) error {
	level := slog.LevelInfo
	if evt.Severity != SeverityInfo {
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("action", evt.Action),
		slog.String("category", evt.Category),
		slog.String("resource", evt.Resource),
		slog.String("resource_id", evt.ResourceID),
		slog.String("outcome", evt.Outcome),
		slog.Time("at", evt.Timestamp),
	}
	if evt.Actor != "" {
		attrs = append(attrs, slog.String("actor", evt.Actor))
	}
	if evt.Reason != "" {
		attrs = append(attrs, slog.String("reason", evt.Reason))
	}
	if len(evt.Metadata) > 0 {
		meta := make([]any, 0, len(evt.Metadata))
		for k, v := range evt.Metadata {
			meta = append(meta, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("metadata", meta...))
	}

	r.logger.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}
