// Package engine wires the status tracker subsystems together and provides
// the application-level API for transitions and dependency edits.
//
// # Building an Engine
//
//	t, err := escrow.New(
//	    escrow.WithStore(pgStore),
//	    escrow.WithLockTimeout(2*time.Second),
//	)
//
//	eng, err := engine.Build(t,
//	    engine.WithExtension(audit.New(recorder)),
//	    engine.WithLocker(lock.NewRedis(rdb)),
//	    engine.WithBackoff(backoff.NewExponential(5*time.Millisecond, time.Second)),
//	)
//
// # Transitions
//
//	rec, err := eng.RequestTransition(ctx, engine.Transition{
//	    Key:       entity.Key{Kind: entity.Contract, ID: "CNT-1"},
//	    NewStatus: "Complete",
//	    ChangedBy: "U1",
//	})
//	if reason, ok := escrow.BlockingReason(err); ok {
//	    // the record has an unsatisfied dependency
//	}
//
// Each transition runs under the entity's lock. The entity's own status,
// its record and every dependent record are written in one store
// transaction; once it commits, one StatusChanged hook fires per written
// record, before the lock is released. A dependent write that loses an
// optimistic version check rolls the transaction back and the whole
// transition is retried.
//
// # Dependencies
//
//	eng.AddDependency(ctx, task, status.Dependency{
//	    EntityType:     entity.Contract,
//	    EntityID:       "CNT-1",
//	    RequiredStatus: "Complete",
//	})
//	eng.RemoveDependency(ctx, task, contract)
//
// # Options
//
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the operation chain
//   - [WithBackoff]: set the conflict retry backoff strategy
//   - [WithLocker]: set the per-entity locker
//   - [WithClock]: override the time source
//   - [WithTracerProvider]: set the OpenTelemetry tracer provider
//   - [WithMeterProvider]: set the OpenTelemetry meter provider
package engine
