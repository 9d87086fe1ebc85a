package api

import (
	"time"

	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/status"
	"github.com/xraph/escrow/stream"
)

// ── Requests ────────────────────────────────────────

// TransitionRequest is the body of PUT /v1/status/{entity_type}/{entity_id}.
type TransitionRequest struct {
	NewStatus string         `json:"new_status"`
	ChangedBy string         `json:"changed_by"`
	Reason    string         `json:"reason,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DependencyRequest is the body of POST .../dependencies.
type DependencyRequest struct {
	EntityType     string     `json:"entity_type"`
	EntityID       string     `json:"entity_id"`
	RequiredStatus string     `json:"required_status"`
	IsSatisfied    bool       `json:"is_satisfied"`
	SatisfiedAt    *time.Time `json:"satisfied_at,omitempty"`
}

// EntityRequest is the body of PUT /v1/entities/{entity_type}/{entity_id}.
type EntityRequest struct {
	Status string `json:"status"`
}

// ── Responses ───────────────────────────────────────

// Record is the wire form of a status record.
type Record struct {
	EntityType     string              `json:"entity_type"`
	EntityID       string              `json:"entity_id"`
	CurrentStatus  string              `json:"current_status"`
	StatusHistory  []status.Change     `json:"status_history"`
	Dependencies   []status.Dependency `json:"dependencies"`
	IsBlocked      bool                `json:"is_blocked"`
	BlockingReason *string             `json:"blocking_reason"`
	Version        int64               `json:"version"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// NewRecord converts a status record to its wire form.
func NewRecord(r *status.Record) *Record {
	out := &Record{
		EntityType:    r.Key.Kind.String(),
		EntityID:      r.Key.ID,
		CurrentStatus: r.CurrentStatus,
		StatusHistory: r.History,
		Dependencies:  r.Dependencies,
		IsBlocked:     r.IsBlocked,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if out.StatusHistory == nil {
		out.StatusHistory = []status.Change{}
	}
	if out.Dependencies == nil {
		out.Dependencies = []status.Dependency{}
	}
	if r.IsBlocked {
		reason := r.BlockingReason
		out.BlockingReason = &reason
	}
	return out
}

// DependencyAck acknowledges a dependency mutation. Record is nil when the
// owning entity is not tracked.
type DependencyAck struct {
	OK     bool    `json:"ok"`
	Record *Record `json:"record,omitempty"`
}

// Entity is the wire form of an authoritative entity.
type Entity struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewEntity converts an entity to its wire form.
func NewEntity(e *entity.Entity) *Entity {
	return &Entity{
		EntityType: e.Key.Kind.String(),
		EntityID:   e.Key.ID,
		Status:     e.Status,
		CreatedAt:  e.CreatedAt,
		UpdatedAt:  e.UpdatedAt,
	}
}

// StatsResponse reports broker and feed counters.
type StatsResponse struct {
	Broker          stream.BrokerStats `json:"broker"`
	FeedConnections int                `json:"feed_connections"`
	LockTimeout     string             `json:"lock_timeout"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorDetail names the error class and carries its message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
