// Package engine is the Transition Engine. It wires the store, the
// per-entity locker, the extension registry, the change feed broker and
// the middleware chain together, and exposes the operations that mutate
// status records.
//
// This package exists to break the import cycle: the root escrow package
// defines the errors and the Tracker used by every subsystem and so cannot
// import those packages back. The engine package sits above all subsystem
// packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/backoff"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/ext"
	"github.com/xraph/escrow/lock"
	mw "github.com/xraph/escrow/middleware"
	"github.com/xraph/escrow/observability"
	"github.com/xraph/escrow/status"
	"github.com/xraph/escrow/store"
	"github.com/xraph/escrow/stream"
)

// Engine runs status transitions and dependency edits against a store.
// Use Build() to create one from a Tracker.
type Engine struct {
	t          *escrow.Tracker
	store      store.Store
	extensions *ext.Registry
	broker     *stream.Broker
	locker     lock.Locker
	bo         backoff.Strategy
	mws        []mw.Middleware
	chain      mw.Middleware
	logger     *slog.Logger
	nowFn      func() time.Time

	lockTimeout atomic.Int64
	maxRetries  int

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine. Extensions are
// notified after the change feed broker.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the delay strategy between attempts of a transaction
// that lost an optimistic version check.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithLocker sets the per-entity locker. If not set, an in-process
// lock.Memory is used, which only serializes callers within this process.
func WithLocker(l lock.Locker) Option {
	return func(eng *Engine) {
		eng.locker = l
	}
}

// WithClock overrides the time source used for history entries.
func WithClock(now func() time.Time) Option {
	return func(eng *Engine) {
		eng.nowFn = now
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from a Tracker.
// The Tracker's store must implement store.Store.
func Build(t *escrow.Tracker, opts ...Option) (*Engine, error) {
	logger := t.Logger()
	if t.Store() == nil {
		return nil, escrow.ErrNoStore
	}

	s, ok := t.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("escrow: store does not implement store.Store")
	}

	config := t.Config()
	eng := &Engine{
		t:          t,
		store:      s,
		extensions: ext.NewRegistry(logger),
		logger:     logger,
		maxRetries: config.MaxConflictRetries,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
	eng.lockTimeout.Store(int64(config.LockTimeout))

	// The broker is registered first so subscribers see a write before any
	// other extension reacts to it.
	eng.broker = stream.NewBroker(s, logger, stream.WithBufferSize(config.SubscriberBuffer))
	eng.extensions.Register(eng.broker)

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}
	if eng.locker == nil {
		eng.locker = lock.NewMemory()
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/xraph/escrow")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/escrow")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/xraph/escrow/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(config.OperationTimeout),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)
	eng.chain = mw.Chain(allMws...)

	// Wire back into the Tracker.
	t.SetExtensions(eng.extensions)

	return eng, nil
}

// ──────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────

// Transition is a request to move an entity to a new status.
type Transition struct {
	Key       entity.Key
	NewStatus string

	// ChangedBy defaults to the caller stored in the context.
	ChangedBy string
	Reason    string
	Metadata  map[string]any
}

// RequestTransition moves tr.Key to tr.NewStatus. The entity's
// authoritative status, its status record and every dependent record are
// written in one transaction. A blocked record fails with a
// *escrow.BlockedError and nothing is written.
func (eng *Engine) RequestTransition(ctx context.Context, tr Transition) (*status.Record, error) {
	if err := tr.Key.Validate(); err != nil {
		return nil, err
	}
	tr.NewStatus = strings.TrimSpace(tr.NewStatus)
	if tr.NewStatus == "" {
		return nil, fmt.Errorf("%w: empty new status", escrow.ErrInvalidInput)
	}
	if tr.ChangedBy == "" {
		if c, ok := escrow.CallerFrom(ctx); ok {
			tr.ChangedBy = c.ID
		}
	}
	if tr.ChangedBy == "" {
		return nil, fmt.Errorf("%w: changed_by is required", escrow.ErrInvalidInput)
	}

	op := &mw.Op{Name: mw.OpTransition, Key: tr.Key, NewStatus: tr.NewStatus, ChangedBy: tr.ChangedBy}

	var committed *status.Record
	err := eng.run(ctx, op, func(ctx context.Context) error {
		return eng.withLock(ctx, tr.Key, func(ctx context.Context) error {
			var updates []*status.Update
			err := eng.retry(ctx, func(ctx context.Context) error {
				var err error
				committed, updates, err = eng.transition(ctx, tr)
				return err
			})
			if reason, ok := escrow.BlockingReason(err); ok {
				eng.extensions.EmitTransitionRejected(ctx, tr.Key, tr.NewStatus, reason)
			}
			if err != nil {
				return err
			}
			eng.emit(ctx, updates)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (eng *Engine) transition(ctx context.Context, tr Transition) (*status.Record, []*status.Update, error) {
	var (
		owner   *status.Record
		updates []*status.Update
	)
	err := eng.store.RunInTx(ctx, func(ctx context.Context, tx status.Tx) error {
		updates = updates[:0]
		now := eng.nowFn()

		r, err := tx.GetRecord(ctx, tr.Key)
		switch {
		case errors.Is(err, escrow.ErrRecordNotFound):
			r = status.NewRecord(tr.Key, tr.NewStatus, now)
		case err != nil:
			return err
		}

		if !status.CanChangeStatus(r, tr.NewStatus) {
			_, reason := status.Evaluate(r)
			return &escrow.BlockedError{
				EntityType: tr.Key.Kind.String(),
				EntityID:   tr.Key.ID,
				Reason:     reason,
			}
		}

		status.ApplyChange(r, status.Change{
			NewStatus: tr.NewStatus,
			ChangedBy: tr.ChangedBy,
			ChangedAt: now,
			Reason:    tr.Reason,
			Metadata:  tr.Metadata,
		})
		if err := tx.SetEntityStatus(ctx, tr.Key, tr.NewStatus); err != nil {
			return err
		}
		if err := tx.PutRecord(ctx, r); err != nil {
			return err
		}
		applied := r.History[len(r.History)-1]
		updates = append(updates, &status.Update{Record: r.Clone(), Cause: tr.Key, Change: &applied})

		propagated, err := eng.propagate(ctx, tx, tr.Key, tr.NewStatus, now)
		if err != nil {
			return err
		}
		updates = append(updates, propagated...)
		owner = r
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return owner, updates, nil
}

// propagate updates every record that depends on cause to reflect its new
// status.
func (eng *Engine) propagate(ctx context.Context, tx status.Tx, cause entity.Key, newStatus string, now time.Time) ([]*status.Update, error) {
	dependents, err := tx.FindDependents(ctx, cause)
	if err != nil {
		return nil, err
	}

	updates := make([]*status.Update, 0, len(dependents))
	for _, d := range dependents {
		wasBlocked, _ := status.Evaluate(d)
		if !status.UpdateDependency(d, cause, newStatus, now) {
			continue
		}
		u, err := eng.write(ctx, tx, d, cause, wasBlocked)
		if err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

// write persists r after an edit to its dependencies. When the edit
// unblocked r, the entity's authoritative status is set to the status the
// record already holds.
func (eng *Engine) write(ctx context.Context, tx status.Tx, r *status.Record, cause entity.Key, wasBlocked bool) (*status.Update, error) {
	unblocked := wasBlocked && !r.IsBlocked
	if unblocked && r.CurrentStatus != "" {
		if err := tx.SetEntityStatus(ctx, r.Key, r.CurrentStatus); err != nil {
			return nil, err
		}
	}
	if err := tx.PutRecord(ctx, r); err != nil {
		return nil, err
	}
	return &status.Update{Record: r.Clone(), Cause: cause, Unblocked: unblocked}, nil
}

// ──────────────────────────────────────────────────
// Dependencies
// ──────────────────────────────────────────────────

// AddDependency adds d to owner's record, replacing any edge with the same
// target. The edge's satisfaction is taken as supplied; the target's
// current status is not consulted. An untracked owner gets a record whose
// current status is its authoritative status, if any.
func (eng *Engine) AddDependency(ctx context.Context, owner entity.Key, d status.Dependency) (*status.Record, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	target := d.Target()
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if target == owner {
		return nil, escrow.ErrSelfDependency
	}
	d.RequiredStatus = strings.TrimSpace(d.RequiredStatus)
	if d.RequiredStatus == "" {
		return nil, fmt.Errorf("%w: empty required status", escrow.ErrInvalidInput)
	}

	op := &mw.Op{Name: mw.OpAddDependency, Key: owner, Target: target}

	var committed *status.Record
	err := eng.run(ctx, op, func(ctx context.Context) error {
		return eng.withLock(ctx, owner, func(ctx context.Context) error {
			var u *status.Update
			err := eng.retry(ctx, func(ctx context.Context) error {
				return eng.store.RunInTx(ctx, func(ctx context.Context, tx status.Tx) error {
					now := eng.nowFn()
					r, err := eng.loadOrCreate(ctx, tx, owner, now)
					if err != nil {
						return err
					}
					edge := d
					if edge.IsSatisfied && edge.SatisfiedAt == nil {
						edge.SatisfiedAt = &now
					}
					wasBlocked, _ := status.Evaluate(r)
					status.AddDependency(r, edge)
					r.UpdatedAt = now
					u, err = eng.write(ctx, tx, r, owner, wasBlocked)
					return err
				})
			})
			if err != nil {
				return err
			}
			committed = u.Record
			eng.extensions.EmitDependencyAdded(ctx, owner, d)
			eng.emit(ctx, []*status.Update{u})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

func (eng *Engine) loadOrCreate(ctx context.Context, tx status.Tx, key entity.Key, now time.Time) (*status.Record, error) {
	r, err := tx.GetRecord(ctx, key)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, escrow.ErrRecordNotFound) {
		return nil, err
	}

	current := ""
	e, err := tx.GetEntity(ctx, key)
	switch {
	case err == nil:
		current = e.Status
	case !errors.Is(err, escrow.ErrEntityNotFound):
		return nil, err
	}
	return status.NewRecord(key, current, now), nil
}

// RemoveDependency drops owner's edge to target and re-evaluates owner
// immediately. Removing an edge that does not exist, or from an untracked
// entity, is a no-op. The returned record is nil when owner is untracked.
func (eng *Engine) RemoveDependency(ctx context.Context, owner, target entity.Key) (*status.Record, error) {
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if err := target.Validate(); err != nil {
		return nil, err
	}

	op := &mw.Op{Name: mw.OpRemoveDependency, Key: owner, Target: target}

	var committed *status.Record
	err := eng.run(ctx, op, func(ctx context.Context) error {
		return eng.withLock(ctx, owner, func(ctx context.Context) error {
			var u *status.Update
			err := eng.retry(ctx, func(ctx context.Context) error {
				u, committed = nil, nil
				return eng.store.RunInTx(ctx, func(ctx context.Context, tx status.Tx) error {
					r, err := tx.GetRecord(ctx, owner)
					if errors.Is(err, escrow.ErrRecordNotFound) {
						return nil
					}
					if err != nil {
						return err
					}
					committed = r
					wasBlocked, _ := status.Evaluate(r)
					if !status.RemoveDependency(r, target) {
						return nil
					}
					r.UpdatedAt = eng.nowFn()
					u, err = eng.write(ctx, tx, r, owner, wasBlocked)
					if err == nil {
						committed = u.Record
					}
					return err
				})
			})
			if err != nil || u == nil {
				return err
			}
			eng.extensions.EmitDependencyRemoved(ctx, owner, target)
			eng.emit(ctx, []*status.Update{u})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return committed, nil
}

// ──────────────────────────────────────────────────
// Entities
// ──────────────────────────────────────────────────

// DeleteEntity removes the entity, its status record and every edge that
// points at it. Records that lose their last unsatisfied edge this way are
// unblocked exactly as if the edge had been removed. Deleting an unknown
// entity is a no-op.
func (eng *Engine) DeleteEntity(ctx context.Context, key entity.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	op := &mw.Op{Name: mw.OpDeleteEntity, Key: key}

	return eng.run(ctx, op, func(ctx context.Context) error {
		return eng.withLock(ctx, key, func(ctx context.Context) error {
			var (
				existed bool
				updates []*status.Update
			)
			err := eng.retry(ctx, func(ctx context.Context) error {
				return eng.store.RunInTx(ctx, func(ctx context.Context, tx status.Tx) error {
					updates = updates[:0]
					var err error
					existed, err = exists(ctx, tx, key)
					if err != nil {
						return err
					}

					dependents, err := tx.FindDependents(ctx, key)
					if err != nil {
						return err
					}
					now := eng.nowFn()
					for _, d := range dependents {
						existed = true
						wasBlocked, _ := status.Evaluate(d)
						status.RemoveDependency(d, key)
						d.UpdatedAt = now
						u, err := eng.write(ctx, tx, d, key, wasBlocked)
						if err != nil {
							return err
						}
						updates = append(updates, u)
					}

					if err := tx.DeleteRecord(ctx, key); err != nil {
						return err
					}
					return tx.DeleteEntity(ctx, key)
				})
			})
			if err != nil || !existed {
				return err
			}
			eng.extensions.EmitEntityDeleted(ctx, key)
			eng.emit(ctx, updates)
			return nil
		})
	})
}

func exists(ctx context.Context, tx status.Tx, key entity.Key) (bool, error) {
	_, err := tx.GetRecord(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case !errors.Is(err, escrow.ErrRecordNotFound):
		return false, err
	}
	_, err = tx.GetEntity(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, escrow.ErrEntityNotFound):
		return false, nil
	default:
		return false, err
	}
}

// SeedEntity records the authoritative status of an entity that is not
// tracked yet. Once a status record exists, only transitions may change
// the status and SeedEntity fails with escrow.ErrInvalidInput.
func (eng *Engine) SeedEntity(ctx context.Context, key entity.Key, initial string) (*entity.Entity, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	initial = strings.TrimSpace(initial)
	if initial == "" {
		return nil, fmt.Errorf("%w: empty status", escrow.ErrInvalidInput)
	}

	err := eng.withLock(ctx, key, func(ctx context.Context) error {
		return classify(eng.store.RunInTx(ctx, func(ctx context.Context, tx status.Tx) error {
			_, err := tx.GetRecord(ctx, key)
			switch {
			case err == nil:
				return fmt.Errorf("%w: %s is tracked; use a transition", escrow.ErrInvalidInput, key)
			case !errors.Is(err, escrow.ErrRecordNotFound):
				return err
			}
			return tx.SetEntityStatus(ctx, key, initial)
		}))
	})
	if err != nil {
		return nil, err
	}
	return eng.GetEntity(ctx, key)
}

// GetEntity returns the authoritative entity for key.
func (eng *Engine) GetEntity(ctx context.Context, key entity.Key) (*entity.Entity, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	e, err := eng.store.GetEntity(ctx, key)
	if err != nil {
		return nil, classify(err)
	}
	return e, nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// GetRecord returns the committed record for key or escrow.ErrRecordNotFound.
func (eng *Engine) GetRecord(ctx context.Context, key entity.Key) (*status.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	r, err := eng.store.GetRecord(ctx, key)
	if err != nil {
		return nil, classify(err)
	}
	return r, nil
}

// GetHistory returns key's status changes, oldest first. An untracked
// entity has an empty history.
func (eng *Engine) GetHistory(ctx context.Context, key entity.Key) ([]status.Change, error) {
	r, err := eng.GetRecord(ctx, key)
	if errors.Is(err, escrow.ErrRecordNotFound) {
		return []status.Change{}, nil
	}
	if err != nil {
		return nil, err
	}
	if r.History == nil {
		return []status.Change{}, nil
	}
	return r.History, nil
}

// ──────────────────────────────────────────────────
// Plumbing
// ──────────────────────────────────────────────────

func (eng *Engine) run(ctx context.Context, op *mw.Op, fn func(ctx context.Context) error) error {
	return eng.chain(ctx, op, func(ctx context.Context) error {
		return classify(fn(ctx))
	})
}

// withLock runs fn while holding key's lock. The wait for the lock is
// bounded by the current lock timeout.
func (eng *Engine) withLock(ctx context.Context, key entity.Key, fn func(ctx context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, eng.LockTimeout())
	unlock, err := eng.locker.Lock(lockCtx, key.String())
	cancel()
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// retry runs fn until it stops failing with escrow.ErrVersionConflict or
// the retry budget is spent.
func (eng *Engine) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if !errors.Is(err, escrow.ErrVersionConflict) {
			return err
		}
		if attempt > eng.maxRetries {
			return fmt.Errorf("%w: gave up after %d attempts: %w", escrow.ErrContention, attempt, err)
		}
		eng.logger.Debug("retrying after version conflict", slog.Int("attempt", attempt))
		if werr := backoff.Wait(ctx, eng.bo, attempt); werr != nil {
			return fmt.Errorf("%w: %w", escrow.ErrContention, werr)
		}
	}
}

func (eng *Engine) emit(ctx context.Context, updates []*status.Update) {
	for _, u := range updates {
		eng.extensions.EmitStatusChanged(ctx, u)
	}
}

// classify maps an operation error onto the error taxonomy. Domain errors
// pass through; deadlines become contention; anything else is a store
// failure.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, escrow.ErrBlocked),
		errors.Is(err, escrow.ErrContention),
		errors.Is(err, escrow.ErrInvalidEntityType),
		errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrSelfDependency),
		errors.Is(err, escrow.ErrForbidden),
		errors.Is(err, escrow.ErrRecordNotFound),
		errors.Is(err, escrow.ErrEntityNotFound),
		errors.Is(err, escrow.ErrStoreFailure),
		errors.Is(err, escrow.ErrStoreClosed),
		errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", escrow.ErrContention, err)
	default:
		return fmt.Errorf("%w: %w", escrow.ErrStoreFailure, err)
	}
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// LockTimeout returns how long mutations wait for the per-entity lock.
func (eng *Engine) LockTimeout() time.Duration {
	return time.Duration(eng.lockTimeout.Load())
}

// SetLockTimeout changes the lock wait bound for later operations.
// Non-positive values are ignored.
func (eng *Engine) SetLockTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	eng.lockTimeout.Store(int64(d))
	eng.logger.Info("lock timeout updated", slog.Duration("lock_timeout", d))
}

// Broker returns the change feed broker.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Store returns the engine's store.
func (eng *Engine) Store() store.Store { return eng.store }

// Tracker returns the underlying Tracker.
func (eng *Engine) Tracker() *escrow.Tracker { return eng.t }

// Stop notifies extensions of shutdown and closes the store.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.t.Stop(ctx)
}
