package store

import (
	"context"

	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/status"
)

// Store is the aggregate persistence interface.
// A single backend implements every subsystem store.
type Store interface {
	status.Store
	entity.Store

	// Migrate creates tables, collections and indexes.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
