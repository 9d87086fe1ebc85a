// Package escrow tracks the status of escrow contracts and the tasks,
// signatures and documents attached to them. Every status transition is
// recorded, cross-entity dependencies are enforced ("this task may not
// move until contract CNT-1 is Complete"), unblocking is propagated to
// dependents, and committed transitions are pushed to live subscribers.
//
// # Quick Start
//
//	t, err := escrow.New(
//	    escrow.WithStore(pgStore),
//	    escrow.WithLockTimeout(time.Second),
//	)
//	eng, err := engine.Build(t)
//	rec, err := eng.RequestTransition(ctx, engine.Transition{
//	    Key:       entity.Key{Kind: entity.Contract, ID: "CNT-1"},
//	    NewStatus: "Preparation",
//	    ChangedBy: "U1",
//	})
//
// # Architecture
//
// The status package holds the record model and the pure dependency
// evaluator. The engine package is the only writer: it serializes work
// per entity, commits the entity status, the owning record and every
// dependent record in one store transaction, and emits one event per
// mutated record after commit. The stream package fans those events out
// to subscribers grouped by channel.
package escrow
