package escrow

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Tracker.
type Option func(*Tracker) error

// Storer is the minimal store interface held by the Tracker.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used by the engine, which sits above the subsystem
// packages and so avoids an import cycle.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Tracker owns the process-wide pieces shared by every component: the
// store handle, the logger and the configuration. It is constructed once
// by the process entry point and passed down explicitly.
type Tracker struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
}

// New creates a new Tracker with the given options.
func New(opts ...Option) (*Tracker, error) {
	t := &Tracker{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Logger returns the tracker's logger.
func (t *Tracker) Logger() *slog.Logger { return t.logger }

// Store returns the tracker's store.
func (t *Tracker) Store() Storer { return t.store }

// Config returns a copy of the tracker's configuration.
func (t *Tracker) Config() Config { return t.config }

// SetExtensions sets the extension emitter (called by the engine package).
func (t *Tracker) SetExtensions(e extensionEmitter) { t.extensions = e }

// Stop notifies extensions of shutdown and closes the store.
func (t *Tracker) Stop(ctx context.Context) error {
	if t.extensions != nil {
		t.extensions.EmitShutdown(ctx)
	}
	if t.store != nil {
		return t.store.Close()
	}
	return nil
}

// WithLogger sets the structured logger for the tracker.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) error {
		t.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the tracker.
// The store must implement Storer at minimum; in practice it is a
// store.Store which embeds the status and entity store interfaces.
func WithStore(s Storer) Option {
	return func(t *Tracker) error {
		t.store = s
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(t *Tracker) error {
		t.config = cfg
		return nil
	}
}

// WithLockTimeout sets how long a mutation waits for the per-entity lock.
func WithLockTimeout(d time.Duration) Option {
	return func(t *Tracker) error {
		if d <= 0 {
			return ErrInvalidInput
		}
		t.config.LockTimeout = d
		return nil
	}
}

// WithOperationTimeout bounds every engine operation. Zero disables the bound.
func WithOperationTimeout(d time.Duration) Option {
	return func(t *Tracker) error {
		if d < 0 {
			return ErrInvalidInput
		}
		t.config.OperationTimeout = d
		return nil
	}
}

// WithMaxConflictRetries sets how many times a conflicting transaction is retried.
func WithMaxConflictRetries(n int) Option {
	return func(t *Tracker) error {
		if n < 0 {
			return ErrInvalidInput
		}
		t.config.MaxConflictRetries = n
		return nil
	}
}

// WithSubscriberBuffer sets the per-subscriber event buffer size.
func WithSubscriberBuffer(n int) Option {
	return func(t *Tracker) error {
		if n <= 0 {
			return ErrInvalidInput
		}
		t.config.SubscriberBuffer = n
		return nil
	}
}
