// Package feed serves the live status feed over WebSocket. Each connection
// becomes a change feed subscriber; the server pushes an initial_status
// snapshot followed by status_change messages, encoded as JSON text frames
// or MessagePack binary frames.
package feed

import "github.com/xraph/escrow/stream"

// Message is the frame pushed to feed clients.
type Message struct {
	Type           string  `json:"type" msgpack:"type"`
	EntityType     string  `json:"entity_type" msgpack:"entity_type"`
	EntityID       string  `json:"entity_id" msgpack:"entity_id"`
	CurrentStatus  string  `json:"current_status" msgpack:"current_status"`
	IsBlocked      bool    `json:"is_blocked" msgpack:"is_blocked"`
	BlockingReason *string `json:"blocking_reason" msgpack:"blocking_reason"`

	// Version is the record version, for clients that merge feeds.
	Version int64 `json:"version,omitempty" msgpack:"version,omitempty"`
}

// FromEvent projects a broker event onto the wire message.
func FromEvent(evt *stream.Event) *Message {
	return &Message{
		Type:           string(evt.Type),
		EntityType:     evt.EntityType,
		EntityID:       evt.EntityID,
		CurrentStatus:  evt.CurrentStatus,
		IsBlocked:      evt.IsBlocked,
		BlockingReason: evt.BlockingReason,
		Version:        evt.Version,
	}
}
