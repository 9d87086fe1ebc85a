// Package lock serializes mutations per entity. The engine acquires the
// lock for an entity key before it reads the record, so the blocking check
// always runs against fresh state.
package lock

import (
	"context"
	"fmt"

	"github.com/xraph/escrow"
)

// Locker hands out exclusive per-key locks.
type Locker interface {
	// Lock blocks until the lock for key is held or ctx is done. On
	// success it returns a function that releases the lock. When ctx
	// ends first the error wraps escrow.ErrContention.
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func contention(key string, cause error) error {
	return fmt.Errorf("%w: lock %s: %w", escrow.ErrContention, key, cause)
}
