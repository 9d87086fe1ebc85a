package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
)

// entities returns the collection holding entities of kind.
func (s *Store) entities(kind entity.Kind) (*mongod.Collection, error) {
	name := kind.Collection()
	if name == "" {
		return nil, fmt.Errorf("%w: %s", escrow.ErrInvalidEntityType, kind)
	}
	return s.db.Collection(name), nil
}

// GetEntity returns the authoritative entity for key.
func (s *Store) GetEntity(ctx context.Context, key entity.Key) (*entity.Entity, error) {
	return s.getEntity(ctx, key)
}

// PutEntity creates or replaces an entity.
func (s *Store) PutEntity(ctx context.Context, e *entity.Entity) error {
	return s.upsertEntity(ctx, e)
}

func (s *Store) getEntity(ctx context.Context, key entity.Key) (*entity.Entity, error) {
	col, err := s.entities(key.Kind)
	if err != nil {
		return nil, err
	}
	var m entityModel
	if err := col.FindOne(ctx, bson.D{{Key: "_id", Value: key.ID}}).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, escrow.ErrEntityNotFound
		}
		return nil, storeErr("get entity", err)
	}
	return fromEntityModel(key.Kind, &m), nil
}

// upsertEntity writes e, keeping the original created_at of an existing
// document.
func (s *Store) upsertEntity(ctx context.Context, e *entity.Entity) error {
	col, err := s.entities(e.Key.Kind)
	if err != nil {
		return err
	}
	ts := now()
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = ts
	}
	updatedAt := e.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = ts
	}

	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: e.Status},
			{Key: "updated_at", Value: updatedAt},
		}},
		{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: createdAt}}},
	}
	_, err = col.UpdateOne(ctx, bson.D{{Key: "_id", Value: e.Key.ID}}, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if isWriteConflict(err) {
			return escrow.ErrVersionConflict
		}
		return storeErr("upsert entity", err)
	}
	return nil
}
