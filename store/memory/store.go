// Package memory provides an in-memory implementation of store.Store.
// It is safe for concurrent use and intended for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/status"
	"github.com/xraph/escrow/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
//
// Transactions stage their writes privately and validate record versions
// when they commit, so two transactions touching the same record cannot
// both succeed.
type Store struct {
	mu sync.RWMutex

	records  map[entity.Key]*status.Record
	entities map[entity.Key]*entity.Entity

	// dependents maps a target entity to the set of records that hold an
	// edge pointing at it.
	dependents map[entity.Key]map[entity.Key]struct{}

	closed bool
	nowFn  func() time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		records:    make(map[entity.Key]*status.Record),
		entities:   make(map[entity.Key]*entity.Entity),
		dependents: make(map[entity.Key]map[entity.Key]struct{}),
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping fails only after Close.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return escrow.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed; later transactions fail.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Entity Store
// ──────────────────────────────────────────────────

// GetEntity returns the authoritative entity for key.
func (m *Store) GetEntity(_ context.Context, key entity.Key) (*entity.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entities[key]
	if !ok {
		return nil, escrow.ErrEntityNotFound
	}
	cp := *e
	return &cp, nil
}

// PutEntity creates or replaces an entity.
func (m *Store) PutEntity(_ context.Context, e *entity.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return escrow.ErrStoreClosed
	}
	cp := *e
	if existing, ok := m.entities[e.Key]; ok && cp.CreatedAt.IsZero() {
		cp.CreatedAt = existing.CreatedAt
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = m.nowFn()
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = m.nowFn()
	}
	m.entities[e.Key] = &cp
	return nil
}

// ──────────────────────────────────────────────────
// Status Store
// ──────────────────────────────────────────────────

// GetRecord returns a copy of the committed record for key.
func (m *Store) GetRecord(_ context.Context, key entity.Key) (*status.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[key]
	if !ok {
		return nil, escrow.ErrRecordNotFound
	}
	return r.Clone(), nil
}

// FindDependents returns copies of every committed record that depends on key.
func (m *Store) FindDependents(_ context.Context, key entity.Key) ([]*status.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owners := m.dependents[key]
	out := make([]*status.Record, 0, len(owners))
	for owner := range owners {
		if r, ok := m.records[owner]; ok {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

// RunInTx runs fn against a private view of the store and applies its
// writes atomically if fn succeeds and no staged record was modified by
// another transaction in the meantime.
func (m *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx status.Tx) error) error {
	if err := m.Ping(ctx); err != nil {
		return err
	}

	t := &tx{
		store:    m,
		records:  make(map[entity.Key]*status.Record),
		expected: make(map[entity.Key]int64),
		entities: make(map[entity.Key]*entity.Entity),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	return m.commit(t)
}

func (m *Store) commit(t *tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return escrow.ErrStoreClosed
	}

	for key, want := range t.expected {
		var have int64
		if cur, ok := m.records[key]; ok {
			have = cur.Version
		}
		if have != want {
			return escrow.ErrVersionConflict
		}
	}

	for key, r := range t.records {
		m.unindex(key)
		if r == nil {
			delete(m.records, key)
			continue
		}
		m.records[key] = r
		m.index(r)
	}

	for key, e := range t.entities {
		if e == nil {
			delete(m.entities, key)
			continue
		}
		m.entities[key] = e
	}
	return nil
}

func (m *Store) index(r *status.Record) {
	for _, d := range r.Dependencies {
		target := d.Target()
		owners, ok := m.dependents[target]
		if !ok {
			owners = make(map[entity.Key]struct{})
			m.dependents[target] = owners
		}
		owners[r.Key] = struct{}{}
	}
}

func (m *Store) unindex(key entity.Key) {
	old, ok := m.records[key]
	if !ok {
		return
	}
	for _, d := range old.Dependencies {
		target := d.Target()
		delete(m.dependents[target], key)
		if len(m.dependents[target]) == 0 {
			delete(m.dependents, target)
		}
	}
}

// ──────────────────────────────────────────────────
// Transaction
// ──────────────────────────────────────────────────

// tx stages writes on top of the committed state. A nil entry in records
// or entities marks a staged delete.
type tx struct {
	store    *Store
	records  map[entity.Key]*status.Record
	expected map[entity.Key]int64
	entities map[entity.Key]*entity.Entity
}

func (t *tx) GetRecord(ctx context.Context, key entity.Key) (*status.Record, error) {
	if r, staged := t.records[key]; staged {
		if r == nil {
			return nil, escrow.ErrRecordNotFound
		}
		return r.Clone(), nil
	}
	return t.store.GetRecord(ctx, key)
}

func (t *tx) FindDependents(ctx context.Context, key entity.Key) ([]*status.Record, error) {
	committed, err := t.store.FindDependents(ctx, key)
	if err != nil {
		return nil, err
	}

	out := make([]*status.Record, 0, len(committed))
	for _, r := range committed {
		if _, staged := t.records[r.Key]; !staged {
			out = append(out, r)
		}
	}
	for _, r := range t.records {
		if r != nil && r.DependsOn(key) {
			out = append(out, r.Clone())
		}
	}
	sortRecords(out)
	return out, nil
}

func (t *tx) PutRecord(_ context.Context, r *status.Record) error {
	if staged, ok := t.records[r.Key]; ok {
		var have int64
		if staged != nil {
			have = staged.Version
		}
		if have != r.Version {
			return escrow.ErrVersionConflict
		}
	} else {
		t.expected[r.Key] = r.Version
	}

	cp := r.Clone()
	cp.Version = r.Version + 1
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = t.store.nowFn()
	}
	cp.UpdatedAt = t.store.nowFn()
	t.records[r.Key] = cp
	r.Version = cp.Version
	return nil
}

func (t *tx) DeleteRecord(_ context.Context, key entity.Key) error {
	t.records[key] = nil
	return nil
}

func (t *tx) GetEntity(ctx context.Context, key entity.Key) (*entity.Entity, error) {
	if e, staged := t.entities[key]; staged {
		if e == nil {
			return nil, escrow.ErrEntityNotFound
		}
		cp := *e
		return &cp, nil
	}
	return t.store.GetEntity(ctx, key)
}

func (t *tx) SetEntityStatus(ctx context.Context, key entity.Key, s string) error {
	now := t.store.nowFn()
	e, err := t.GetEntity(ctx, key)
	if err != nil {
		e = &entity.Entity{Key: key, CreatedAt: now}
	}
	e.Status = s
	e.UpdatedAt = now
	t.entities[key] = e
	return nil
}

func (t *tx) DeleteEntity(_ context.Context, key entity.Key) error {
	t.entities[key] = nil
	return nil
}

// sortRecords orders records by key so callers see a stable order.
func sortRecords(rs []*status.Record) {
	sort.Slice(rs, func(i, j int) bool {
		return rs[i].Key.String() < rs[j].Key.String()
	})
}
