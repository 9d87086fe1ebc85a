package relay

import (
	"log/slog"

	"github.com/xraph/escrow/stream"
)

// DefaultChannel is the Redis channel events are relayed on.
const DefaultChannel = "escrow:status_updates"

// Option configures a Relay.
type Option func(*Relay)

// WithChannel sets the Redis channel name.
func WithChannel(channel string) Option {
	return func(r *Relay) { r.channel = channel }
}

// WithInstanceID overrides the generated instance ID. Instances sharing a
// channel must use distinct IDs.
func WithInstanceID(instanceID string) Option {
	return func(r *Relay) { r.instance = instanceID }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithEvents restricts the relay to the listed event types. By default
// every type except the initial snapshot is relayed. Unknown types are
// silently ignored.
func WithEvents(types ...stream.EventType) Option {
	return func(r *Relay) {
		r.enabled = make(map[stream.EventType]bool, len(types))
		for _, t := range types {
			r.enabled[t] = true
		}
	}
}
