// Package entity defines the closed set of tracked entity kinds and the
// authoritative status each entity carries in its own collection.
package entity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/escrow"
)

// Kind is one of the tracked entity kinds. The set is closed: adding a
// kind means adding a constant here and a case to every switch below.
type Kind uint8

const (
	// Contract is an escrow contract.
	Contract Kind = iota + 1
	// Task is a unit of work attached to a contract.
	Task
	// Signature is a signature required by a contract.
	Signature
	// Document is a document attached to a contract.
	Document
)

// Kinds lists every valid kind in declaration order.
func Kinds() []Kind { return []Kind{Contract, Task, Signature, Document} }

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Contract:
		return "contract"
	case Task:
		return "task"
	case Signature:
		return "signature"
	case Document:
		return "document"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Collection returns the name of the collection (or table) holding the
// authoritative entities of this kind.
func (k Kind) Collection() string {
	switch k {
	case Contract:
		return "contracts"
	case Task:
		return "tasks"
	case Signature:
		return "signatures"
	case Document:
		return "documents"
	default:
		return ""
	}
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool { return k >= Contract && k <= Document }

// ParseKind maps a wire name to a Kind. Unknown names fail with
// escrow.ErrInvalidEntityType.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "contract":
		return Contract, nil
	case "task":
		return Task, nil
	case "signature":
		return Signature, nil
	case "document":
		return Document, nil
	default:
		return 0, fmt.Errorf("%w: %q", escrow.ErrInvalidEntityType, s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", escrow.ErrInvalidEntityType, uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(data []byte) error {
	parsed, err := ParseKind(string(data))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Key addresses one tracked entity.
type Key struct {
	Kind Kind
	ID   string
}

// NewKey parses kind and validates id.
func NewKey(kind, entityID string) (Key, error) {
	k, err := ParseKind(kind)
	if err != nil {
		return Key{}, err
	}
	if strings.TrimSpace(entityID) == "" {
		return Key{}, fmt.Errorf("%w: empty entity id", escrow.ErrInvalidInput)
	}
	return Key{Kind: k, ID: entityID}, nil
}

// Validate checks that the key names a known kind and a non-empty id.
func (k Key) Validate() error {
	if !k.Kind.Valid() {
		return fmt.Errorf("%w: %s", escrow.ErrInvalidEntityType, k.Kind)
	}
	if strings.TrimSpace(k.ID) == "" {
		return fmt.Errorf("%w: empty entity id", escrow.ErrInvalidInput)
	}
	return nil
}

// String returns "kind:id", which is also the per-entity channel and lock name.
func (k Key) String() string { return k.Kind.String() + ":" + k.ID }

// Entity is the authoritative, user-visible status of a tracked entity.
type Entity struct {
	Key       Key
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store persists authoritative entity statuses.
type Store interface {
	// GetEntity returns the entity or escrow.ErrEntityNotFound.
	GetEntity(ctx context.Context, key Key) (*Entity, error)

	// PutEntity creates or replaces an entity.
	PutEntity(ctx context.Context, e *Entity) error
}
