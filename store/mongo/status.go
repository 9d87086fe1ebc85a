package mongo

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/status"
)

// GetRecord returns the committed record for key.
func (s *Store) GetRecord(ctx context.Context, key entity.Key) (*status.Record, error) {
	return s.getRecord(ctx, key)
}

// FindDependents returns every committed record that depends on key.
func (s *Store) FindDependents(ctx context.Context, key entity.Key) ([]*status.Record, error) {
	return s.findDependents(ctx, key)
}

// RunInTx runs fn inside a multi-document transaction. Write conflicts
// with a concurrent transaction are reported as escrow.ErrVersionConflict.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx status.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return storeErr("start session", err)
	}
	defer sess.EndSession(context.WithoutCancel(ctx))

	if err := sess.StartTransaction(); err != nil {
		return storeErr("start transaction", err)
	}
	sctx := mongod.NewSessionContext(ctx, sess)

	if err := fn(sctx, &txStore{s: s}); err != nil {
		_ = sess.AbortTransaction(context.WithoutCancel(sctx))
		if isWriteConflict(err) {
			return escrow.ErrVersionConflict
		}
		return err
	}
	if err := sess.CommitTransaction(sctx); err != nil {
		_ = sess.AbortTransaction(context.WithoutCancel(sctx))
		if isWriteConflict(err) {
			return escrow.ErrVersionConflict
		}
		return storeErr("commit", err)
	}
	return nil
}

func (s *Store) records() *mongod.Collection {
	return s.db.Collection(colStatusTracking)
}

func (s *Store) getRecord(ctx context.Context, key entity.Key) (*status.Record, error) {
	var m recordModel
	err := s.records().FindOne(ctx, bson.D{{Key: "_id", Value: key.String()}}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, escrow.ErrRecordNotFound
		}
		return nil, storeErr("get record", err)
	}
	return fromRecordModel(&m)
}

func (s *Store) findDependents(ctx context.Context, key entity.Key) ([]*status.Record, error) {
	filter := bson.D{{Key: "dependencies", Value: bson.D{{Key: "$elemMatch", Value: bson.D{
		{Key: "entity_type", Value: key.Kind.String()},
		{Key: "entity_id", Value: key.ID},
	}}}}}
	cur, err := s.records().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, storeErr("find dependents", err)
	}

	var models []recordModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, storeErr("find dependents", err)
	}

	out := make([]*status.Record, 0, len(models))
	for i := range models {
		r, err := fromRecordModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// ──────────────────────────────────────────────────
// Transaction
// ──────────────────────────────────────────────────

// txStore implements status.Tx. The session travels in the context handed
// to fn, so every operation joins the transaction.
type txStore struct {
	s *Store
}

func (t *txStore) GetRecord(ctx context.Context, key entity.Key) (*status.Record, error) {
	return t.s.getRecord(ctx, key)
}

func (t *txStore) FindDependents(ctx context.Context, key entity.Key) ([]*status.Record, error) {
	return t.s.findDependents(ctx, key)
}

func (t *txStore) PutRecord(ctx context.Context, r *status.Record) error {
	m := toRecordModel(r)
	ts := now()
	m.UpdatedAt = ts
	if m.CreatedAt.IsZero() {
		m.CreatedAt = ts
	}
	m.Version = r.Version + 1

	if r.Version == 0 {
		if _, err := t.s.records().InsertOne(ctx, m); err != nil {
			if mongod.IsDuplicateKeyError(err) || isWriteConflict(err) {
				return escrow.ErrVersionConflict
			}
			return storeErr("insert record", err)
		}
		r.Version = 1
		return nil
	}

	res, err := t.s.records().ReplaceOne(ctx, bson.D{
		{Key: "_id", Value: m.ID},
		{Key: "version", Value: r.Version},
	}, m)
	if err != nil {
		if isWriteConflict(err) {
			return escrow.ErrVersionConflict
		}
		return storeErr("update record", err)
	}
	if res.MatchedCount == 0 {
		return escrow.ErrVersionConflict
	}
	r.Version++
	return nil
}

func (t *txStore) DeleteRecord(ctx context.Context, key entity.Key) error {
	if _, err := t.s.records().DeleteOne(ctx, bson.D{{Key: "_id", Value: key.String()}}); err != nil {
		return storeErr("delete record", err)
	}
	return nil
}

func (t *txStore) GetEntity(ctx context.Context, key entity.Key) (*entity.Entity, error) {
	return t.s.getEntity(ctx, key)
}

func (t *txStore) SetEntityStatus(ctx context.Context, key entity.Key, s string) error {
	return t.s.upsertEntity(ctx, &entity.Entity{Key: key, Status: s})
}

func (t *txStore) DeleteEntity(ctx context.Context, key entity.Key) error {
	col, err := t.s.entities(key.Kind)
	if err != nil {
		return err
	}
	if _, err := col.DeleteOne(ctx, bson.D{{Key: "_id", Value: key.ID}}); err != nil {
		return storeErr("delete entity", err)
	}
	return nil
}
