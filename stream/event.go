// Package stream is the change feed for committed status writes. It
// receives engine lifecycle hooks through the ext.Extension system and fans
// them out to live subscribers via topic-based pub/sub.
package stream

import (
	"time"

	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/id"
	"github.com/xraph/escrow/status"
)

// EventType identifies the kind of feed message.
type EventType string

const (
	// EventInitialStatus is the snapshot sent once when a subscription starts.
	EventInitialStatus EventType = "initial_status"

	// EventStatusChange is sent for every committed record write.
	EventStatusChange EventType = "status_change"

	// EventEntityDeleted is sent when a tracked entity is deleted.
	EventEntityDeleted EventType = "entity_deleted"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	// ID uniquely identifies this event.
	ID string `json:"id" msgpack:"id"`

	Type           EventType `json:"type" msgpack:"type"`
	EntityType     string    `json:"entity_type" msgpack:"entity_type"`
	EntityID       string    `json:"entity_id" msgpack:"entity_id"`
	CurrentStatus  string    `json:"current_status" msgpack:"current_status"`
	IsBlocked      bool      `json:"is_blocked" msgpack:"is_blocked"`
	BlockingReason *string   `json:"blocking_reason" msgpack:"blocking_reason"`

	// Version is the record version the event reflects. Subscribers use it
	// to drop events older than one they already received.
	Version int64 `json:"version" msgpack:"version"`

	// Cause names the entity whose operation produced the write, as
	// "kind:id". It differs from the event's own entity for propagated
	// dependent updates.
	Cause string `json:"cause,omitempty" msgpack:"cause,omitempty"`

	// Origin identifies the instance that committed the write. Set by the
	// relay; empty for local events.
	Origin string `json:"origin,omitempty" msgpack:"origin,omitempty"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts" msgpack:"ts"`
}

// Key returns the entity key the event refers to.
func (e *Event) Key() (entity.Key, error) {
	return entity.NewKey(e.EntityType, e.EntityID)
}

// NewRecordEvent builds an event of the given type from a record snapshot.
func NewRecordEvent(typ EventType, r *status.Record) *Event {
	evt := &Event{
		ID:            id.NewEventID().String(),
		Type:          typ,
		EntityType:    r.Key.Kind.String(),
		EntityID:      r.Key.ID,
		CurrentStatus: r.CurrentStatus,
		IsBlocked:     r.IsBlocked,
		Version:       r.Version,
		Timestamp:     time.Now().UTC(),
	}
	if r.IsBlocked {
		reason := r.BlockingReason
		evt.BlockingReason = &reason
	}
	return evt
}

// NewUpdateEvent builds a status_change event from a committed update.
func NewUpdateEvent(u *status.Update) *Event {
	evt := NewRecordEvent(EventStatusChange, u.Record)
	if u.Cause != (entity.Key{}) {
		evt.Cause = u.Cause.String()
	}
	return evt
}

// NewDeletedEvent builds an entity_deleted event for key.
func NewDeletedEvent(key entity.Key) *Event {
	return &Event{
		ID:         id.NewEventID().String(),
		Type:       EventEntityDeleted,
		EntityType: key.Kind.String(),
		EntityID:   key.ID,
		Cause:      key.String(),
		Timestamp:  time.Now().UTC(),
	}
}
