package status

import (
	"context"

	"github.com/xraph/escrow/entity"
)

// Store defines the persistence contract for status records. Reads outside
// a transaction see only committed state.
type Store interface {
	// GetRecord returns the record for key or escrow.ErrRecordNotFound.
	GetRecord(ctx context.Context, key entity.Key) (*Record, error)

	// FindDependents returns every record holding an edge that points at
	// key. Implementations must answer from an index.
	FindDependents(ctx context.Context, key entity.Key) ([]*Record, error)

	// RunInTx runs fn in a single atomic scope. If fn returns an error
	// nothing it wrote becomes visible.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the write side of a store, valid only inside RunInTx.
type Tx interface {
	GetRecord(ctx context.Context, key entity.Key) (*Record, error)
	FindDependents(ctx context.Context, key entity.Key) ([]*Record, error)

	// PutRecord inserts or updates r. r.Version must be the version that
	// was read (zero for a record that does not exist yet); a mismatch
	// fails with escrow.ErrVersionConflict. On success r.Version is
	// incremented.
	PutRecord(ctx context.Context, r *Record) error

	// DeleteRecord removes the record for key. Missing records are ignored.
	DeleteRecord(ctx context.Context, key entity.Key) error

	// GetEntity returns the authoritative entity or escrow.ErrEntityNotFound.
	GetEntity(ctx context.Context, key entity.Key) (*entity.Entity, error)

	// SetEntityStatus writes the authoritative status of key, creating the
	// entity when it does not exist.
	SetEntityStatus(ctx context.Context, key entity.Key, status string) error

	// DeleteEntity removes the authoritative entity. Missing entities are ignored.
	DeleteEntity(ctx context.Context, key entity.Key) error
}
