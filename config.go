package escrow

import "time"

// Config holds configuration for the Tracker.
type Config struct {
	// LockTimeout bounds how long a mutation waits for the per-entity
	// serialization lock before failing with ErrContention.
	LockTimeout time.Duration

	// OperationTimeout bounds a whole engine operation, store round trips
	// included. Zero disables the bound.
	OperationTimeout time.Duration

	// LockTTL is how long a distributed lock is held before it expires
	// on its own. Ignored by the in-process locker.
	LockTTL time.Duration

	// MaxConflictRetries is how many times a transaction that lost an
	// optimistic version check is retried.
	MaxConflictRetries int

	// SubscriberBuffer is the per-subscriber event buffer size.
	SubscriberBuffer int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LockTimeout:        2 * time.Second,
		OperationTimeout:   10 * time.Second,
		LockTTL:            30 * time.Second,
		MaxConflictRetries: 5,
		SubscriberBuffer:   64,
		ShutdownTimeout:    10 * time.Second,
	}
}
