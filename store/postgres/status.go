package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/status"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const recordColumns = `entity_type, entity_id, current_status, status_history, dependencies,
	is_blocked, blocking_reason, version, created_at, updated_at`

// GetRecord returns the committed record for key.
func (s *Store) GetRecord(ctx context.Context, key entity.Key) (*status.Record, error) {
	return getRecord(ctx, s.pool, key)
}

// FindDependents returns every committed record that depends on key.
func (s *Store) FindDependents(ctx context.Context, key entity.Key) ([]*status.Record, error) {
	return findDependents(ctx, s.pool, key)
}

// RunInTx runs fn inside a database transaction. A version conflict or a
// serialization failure at commit is reported as escrow.ErrVersionConflict.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx status.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storeErr("begin", err)
	}
	defer func() {
		// No-op once committed.
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isSerializationFailure(err) {
			return escrow.ErrVersionConflict
		}
		return storeErr("commit", err)
	}
	return nil
}

func getRecord(ctx context.Context, q querier, key entity.Key) (*status.Record, error) {
	row := q.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM escrow_status_records
		WHERE entity_type = $1 AND entity_id = $2`,
		key.Kind.String(), key.ID,
	)
	r, err := scanRecord(row)
	if err != nil {
		if isNoRows(err) {
			return nil, escrow.ErrRecordNotFound
		}
		return nil, storeErr("get record", err)
	}
	return r, nil
}

func findDependents(ctx context.Context, q querier, key entity.Key) ([]*status.Record, error) {
	filter, err := json.Marshal([]map[string]string{{
		"entity_type": key.Kind.String(),
		"entity_id":   key.ID,
	}})
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: marshal dependents filter: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT `+recordColumns+` FROM escrow_status_records
		WHERE dependencies @> $1::jsonb`,
		filter,
	)
	if err != nil {
		return nil, storeErr("find dependents", err)
	}
	defer rows.Close()

	var out []*status.Record
	for rows.Next() {
		r, scanErr := scanRecord(rows)
		if scanErr != nil {
			return nil, storeErr("scan dependent", scanErr)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("find dependents", err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out, nil
}

func scanRecord(row pgx.Row) (*status.Record, error) {
	var (
		kind, entityID string
		history, deps  []byte
		reason         *string
		r              status.Record
	)
	err := row.Scan(
		&kind, &entityID, &r.CurrentStatus, &history, &deps,
		&r.IsBlocked, &reason, &r.Version, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	k, err := entity.ParseKind(kind)
	if err != nil {
		return nil, err
	}
	r.Key = entity.Key{Kind: k, ID: entityID}
	if reason != nil {
		r.BlockingReason = *reason
	}
	if err := json.Unmarshal(history, &r.History); err != nil {
		return nil, fmt.Errorf("decode status_history: %w", err)
	}
	if err := json.Unmarshal(deps, &r.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	return &r, nil
}

// recordArgs encodes the mutable columns of r.
func recordArgs(r *status.Record) (history, deps []byte, reason *string, err error) {
	h := r.History
	if h == nil {
		h = []status.Change{}
	}
	d := r.Dependencies
	if d == nil {
		d = []status.Dependency{}
	}
	if history, err = json.Marshal(h); err != nil {
		return nil, nil, nil, fmt.Errorf("escrow/postgres: encode status_history: %w", err)
	}
	if deps, err = json.Marshal(d); err != nil {
		return nil, nil, nil, fmt.Errorf("escrow/postgres: encode dependencies: %w", err)
	}
	if r.IsBlocked {
		reason = &r.BlockingReason
	}
	return history, deps, reason, nil
}

// ──────────────────────────────────────────────────
// Transaction
// ──────────────────────────────────────────────────

// txStore implements status.Tx over a pgx transaction.
type txStore struct {
	tx pgx.Tx
}

func (t *txStore) GetRecord(ctx context.Context, key entity.Key) (*status.Record, error) {
	return getRecord(ctx, t.tx, key)
}

func (t *txStore) FindDependents(ctx context.Context, key entity.Key) ([]*status.Record, error) {
	return findDependents(ctx, t.tx, key)
}

func (t *txStore) PutRecord(ctx context.Context, r *status.Record) error {
	history, deps, reason, err := recordArgs(r)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if r.Version == 0 {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err = t.tx.Exec(ctx, `
			INSERT INTO escrow_status_records (`+recordColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 1, $8, $9)`,
			r.Key.Kind.String(), r.Key.ID, r.CurrentStatus, history, deps,
			r.IsBlocked, reason, createdAt, now,
		)
		if err != nil {
			if isDuplicateKey(err) || isSerializationFailure(err) {
				return escrow.ErrVersionConflict
			}
			return storeErr("insert record", err)
		}
		r.Version = 1
		return nil
	}

	tag, err := t.tx.Exec(ctx, `
		UPDATE escrow_status_records SET
			current_status = $3, status_history = $4, dependencies = $5,
			is_blocked = $6, blocking_reason = $7,
			version = version + 1, updated_at = $8
		WHERE entity_type = $1 AND entity_id = $2 AND version = $9`,
		r.Key.Kind.String(), r.Key.ID, r.CurrentStatus, history, deps,
		r.IsBlocked, reason, now, r.Version,
	)
	if err != nil {
		if isSerializationFailure(err) {
			return escrow.ErrVersionConflict
		}
		return storeErr("update record", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrVersionConflict
	}
	r.Version++
	return nil
}

func (t *txStore) DeleteRecord(ctx context.Context, key entity.Key) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM escrow_status_records WHERE entity_type = $1 AND entity_id = $2`,
		key.Kind.String(), key.ID,
	)
	if err != nil {
		return storeErr("delete record", err)
	}
	return nil
}

func (t *txStore) GetEntity(ctx context.Context, key entity.Key) (*entity.Entity, error) {
	return getEntity(ctx, t.tx, key)
}

func (t *txStore) SetEntityStatus(ctx context.Context, key entity.Key, s string) error {
	return upsertEntity(ctx, t.tx, &entity.Entity{Key: key, Status: s})
}

func (t *txStore) DeleteEntity(ctx context.Context, key entity.Key) error {
	table, err := entityTable(key.Kind)
	if err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM `+table+` WHERE id = $1`, key.ID); err != nil {
		return storeErr("delete entity", err)
	}
	return nil
}
