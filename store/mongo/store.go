package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/store"
)

// Collection name constants.
const (
	colStatusTracking = "status_tracking"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

// Store is a MongoDB implementation of store.Store.
type Store struct {
	client *mongod.Client
	db     *mongod.Database
	logger *slog.Logger
	owned  bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New connects to uri and returns a store over database. Close
// disconnects the client.
func New(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("escrow/mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("escrow/mongo: ping: %w", err)
	}

	s := NewFromClient(client, database, opts...)
	s.owned = true
	return s, nil
}

// NewFromClient creates a store from an existing client. The caller owns
// the client lifecycle; Close does not disconnect it.
func NewFromClient(client *mongod.Client, database string, opts ...Option) *Store {
	s := &Store{
		client: client,
		db:     client.Database(database),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Database returns the underlying database for advanced usage.
func (s *Store) Database() *mongod.Database {
	return s.db
}

// Migrate creates the collections and indexes. Collections are created
// explicitly because they cannot be created inside a transaction on older
// servers.
func (s *Store) Migrate(ctx context.Context) error {
	existing, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return fmt.Errorf("escrow/mongo: list collections: %w", err)
	}
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}

	for col, models := range migrationIndexes() {
		if !have[col] {
			if err := s.db.CreateCollection(ctx, col); err != nil {
				return fmt.Errorf("escrow/mongo: create %s: %w", col, err)
			}
		}
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("escrow/mongo: migrate %s indexes: %w", col, err)
		}
		s.logger.Debug("migrated collection", slog.String("collection", col))
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close disconnects the client when the store created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ── helpers ──────────────────────────────────────────────────────

// now returns the current UTC time truncated to the server's precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

// isNoDocuments returns true when err indicates no MongoDB documents found.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongod.ErrNoDocuments)
}

// isWriteConflict reports errors that mean another transaction touched the
// same documents first.
func isWriteConflict(err error) bool {
	var se mongod.ServerError
	if errors.As(err, &se) {
		return se.HasErrorCode(112) || se.HasErrorLabel("TransientTransactionError")
	}
	return false
}

// storeErr wraps a driver error as a store failure. Context errors keep
// their identity so callers can tell cancellation from outages.
func storeErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("escrow/mongo: %s: %w", op, err)
	}
	return fmt.Errorf("escrow/mongo: %s: %w: %w", op, escrow.ErrStoreFailure, err)
}

// migrationIndexes returns the index definitions for every collection.
func migrationIndexes() map[string][]mongod.IndexModel {
	indexes := map[string][]mongod.IndexModel{
		colStatusTracking: {
			// Lookup by entity.
			{
				Keys:    bson.D{{Key: "entity_type", Value: 1}, {Key: "entity_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			// Dependent lookup: multikey over the embedded edges.
			{Keys: bson.D{
				{Key: "dependencies.entity_type", Value: 1},
				{Key: "dependencies.entity_id", Value: 1},
			}},
			// Blocked records per kind.
			{
				Keys:    bson.D{{Key: "entity_type", Value: 1}, {Key: "is_blocked", Value: 1}},
				Options: options.Index().SetPartialFilterExpression(bson.D{{Key: "is_blocked", Value: true}}),
			},
		},
	}
	for _, k := range entity.Kinds() {
		indexes[k.Collection()] = nil
	}
	return indexes
}
