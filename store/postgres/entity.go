package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
)

// entityTable returns the table holding entities of kind. The kind set is
// closed, so the name is never built from caller input.
func entityTable(kind entity.Kind) (string, error) {
	col := kind.Collection()
	if col == "" {
		return "", fmt.Errorf("%w: %s", escrow.ErrInvalidEntityType, kind)
	}
	return "escrow_" + col, nil
}

// GetEntity returns the authoritative entity for key.
func (s *Store) GetEntity(ctx context.Context, key entity.Key) (*entity.Entity, error) {
	return getEntity(ctx, s.pool, key)
}

// PutEntity creates or replaces an entity.
func (s *Store) PutEntity(ctx context.Context, e *entity.Entity) error {
	return upsertEntity(ctx, s.pool, e)
}

func getEntity(ctx context.Context, q querier, key entity.Key) (*entity.Entity, error) {
	table, err := entityTable(key.Kind)
	if err != nil {
		return nil, err
	}
	e := &entity.Entity{Key: key}
	err = q.QueryRow(ctx,
		`SELECT status, created_at, updated_at FROM `+table+` WHERE id = $1`,
		key.ID,
	).Scan(&e.Status, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, escrow.ErrEntityNotFound
		}
		return nil, storeErr("get entity", err)
	}
	return e, nil
}

// upsertEntity writes e, keeping the original created_at of an existing row.
func upsertEntity(ctx context.Context, q querier, e *entity.Entity) error {
	table, err := entityTable(e.Key.Kind)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err = q.Exec(ctx, `
		INSERT INTO `+table+` (id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		e.Key.ID, e.Status, createdAt, updatedAt,
	)
	if err != nil {
		return storeErr("upsert entity", err)
	}
	return nil
}
