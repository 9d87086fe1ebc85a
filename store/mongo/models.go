package mongo

import (
	"fmt"
	"time"

	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/status"
)

// ── Status record model ───────────────────────────────────────────

type recordModel struct {
	ID             string            `bson:"_id"`
	EntityType     string            `bson:"entity_type"`
	EntityID       string            `bson:"entity_id"`
	CurrentStatus  string            `bson:"current_status"`
	StatusHistory  []changeModel     `bson:"status_history"`
	Dependencies   []dependencyModel `bson:"dependencies"`
	IsBlocked      bool              `bson:"is_blocked"`
	BlockingReason *string           `bson:"blocking_reason"`
	Version        int64             `bson:"version"`
	CreatedAt      time.Time         `bson:"created_at"`
	UpdatedAt      time.Time         `bson:"updated_at"`
}

type changeModel struct {
	OldStatus string         `bson:"old_status"`
	NewStatus string         `bson:"new_status"`
	ChangedBy string         `bson:"changed_by"`
	ChangedAt time.Time      `bson:"changed_at"`
	Reason    string         `bson:"reason,omitempty"`
	Metadata  map[string]any `bson:"metadata,omitempty"`
}

type dependencyModel struct {
	EntityType     string     `bson:"entity_type"`
	EntityID       string     `bson:"entity_id"`
	RequiredStatus string     `bson:"required_status"`
	IsSatisfied    bool       `bson:"is_satisfied"`
	SatisfiedAt    *time.Time `bson:"satisfied_at,omitempty"`
}

func toRecordModel(r *status.Record) *recordModel {
	m := &recordModel{
		ID:            r.Key.String(),
		EntityType:    r.Key.Kind.String(),
		EntityID:      r.Key.ID,
		CurrentStatus: r.CurrentStatus,
		StatusHistory: make([]changeModel, 0, len(r.History)),
		Dependencies:  make([]dependencyModel, 0, len(r.Dependencies)),
		IsBlocked:     r.IsBlocked,
		Version:       r.Version,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.IsBlocked {
		reason := r.BlockingReason
		m.BlockingReason = &reason
	}
	for _, c := range r.History {
		m.StatusHistory = append(m.StatusHistory, changeModel(c))
	}
	for _, d := range r.Dependencies {
		m.Dependencies = append(m.Dependencies, dependencyModel{
			EntityType:     d.EntityType.String(),
			EntityID:       d.EntityID,
			RequiredStatus: d.RequiredStatus,
			IsSatisfied:    d.IsSatisfied,
			SatisfiedAt:    d.SatisfiedAt,
		})
	}
	return m
}

func fromRecordModel(m *recordModel) (*status.Record, error) {
	kind, err := entity.ParseKind(m.EntityType)
	if err != nil {
		return nil, fmt.Errorf("escrow/mongo: record %s: %w", m.ID, err)
	}
	r := &status.Record{
		Key:           entity.Key{Kind: kind, ID: m.EntityID},
		CurrentStatus: m.CurrentStatus,
		IsBlocked:     m.IsBlocked,
		Version:       m.Version,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.BlockingReason != nil {
		r.BlockingReason = *m.BlockingReason
	}
	for _, c := range m.StatusHistory {
		r.History = append(r.History, status.Change(c))
	}
	for _, d := range m.Dependencies {
		dk, err := entity.ParseKind(d.EntityType)
		if err != nil {
			return nil, fmt.Errorf("escrow/mongo: record %s dependency: %w", m.ID, err)
		}
		r.Dependencies = append(r.Dependencies, status.Dependency{
			EntityType:     dk,
			EntityID:       d.EntityID,
			RequiredStatus: d.RequiredStatus,
			IsSatisfied:    d.IsSatisfied,
			SatisfiedAt:    d.SatisfiedAt,
		})
	}
	return r, nil
}

// ── Entity model ──────────────────────────────────────────────────

type entityModel struct {
	ID        string    `bson:"_id"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func fromEntityModel(kind entity.Kind, m *entityModel) *entity.Entity {
	return &entity.Entity{
		Key:       entity.Key{Kind: kind, ID: m.ID},
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
