package escrow

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore      = errors.New("escrow: no store configured")
	ErrStoreClosed  = errors.New("escrow: store closed")
	ErrStoreFailure = errors.New("escrow: store failure")

	// Not found errors.
	ErrRecordNotFound = errors.New("escrow: status record not found")
	ErrEntityNotFound = errors.New("escrow: entity not found")

	// Request errors.
	ErrInvalidEntityType = errors.New("escrow: invalid entity type")
	ErrInvalidInput      = errors.New("escrow: invalid input")
	ErrSelfDependency    = errors.New("escrow: entity cannot depend on itself")
	ErrForbidden         = errors.New("escrow: caller may not mutate entity")

	// Transition errors.
	ErrBlocked = errors.New("escrow: transition blocked by unsatisfied dependency")

	// Concurrency errors.
	ErrContention      = errors.New("escrow: could not serialize access to record")
	ErrVersionConflict = errors.New("escrow: record version conflict")
)

// BlockedError is returned when a transition is refused because the record
// has at least one unsatisfied dependency. It matches ErrBlocked.
type BlockedError struct {
	EntityType string
	EntityID   string
	Reason     string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("escrow: %s %s is blocked: %s", e.EntityType, e.EntityID, e.Reason)
}

// Is reports whether target is ErrBlocked.
func (e *BlockedError) Is(target error) bool { return target == ErrBlocked }

// BlockingReason extracts the reason carried by a blocked error, if any.
func BlockingReason(err error) (string, bool) {
	var be *BlockedError
	if errors.As(err, &be) {
		return be.Reason, true
	}
	return "", false
}
