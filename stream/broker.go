package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/ext"
	"github.com/xraph/escrow/id"
	"github.com/xraph/escrow/status"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Broker)(nil)
	_ ext.StatusChanged = (*Broker)(nil)
	_ ext.EntityDeleted = (*Broker)(nil)
	_ ext.Shutdown      = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 64

// RecordReader loads the committed record used for initial snapshots.
type RecordReader interface {
	GetRecord(ctx context.Context, key entity.Key) (*status.Record, error)
}

// Broker is the change feed broker. It implements the ext.Extension
// interface to receive committed writes and fans them out to subscribers
// via topic-based pub/sub.
type Broker struct {
	topics  *TopicRegistry
	records RecordReader
	logger  *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64
	totalDelivered atomic.Int64
	totalEvicted   atomic.Int64

	// Config.
	bufferSize int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// NewBroker creates a broker that reads initial snapshots from records.
func NewBroker(records RecordReader, logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:     NewTopicRegistry(),
		records:    records,
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe registers a new subscriber on topics. When snapshot is set and
// a record exists for it, an initial_status event is the first event the
// subscriber receives, followed by every later event in commit order.
func (b *Broker) Subscribe(ctx context.Context, topics []string, snapshot *entity.Key) (*Subscriber, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", escrow.ErrInvalidInput)
	}
	canonical := make([]string, 0, len(topics))
	for _, topic := range topics {
		t, err := NormalizeTopic(topic)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", escrow.ErrInvalidInput, err)
		}
		canonical = append(canonical, t)
	}

	sub := newSubscriber(id.NewSubscriberID().String(), b.bufferSize)
	b.subscribers.Store(sub.ID(), sub)
	for _, topic := range canonical {
		b.topics.Subscribe(topic, sub)
	}

	var initial *Event
	if snapshot != nil {
		r, err := b.records.GetRecord(ctx, *snapshot)
		switch {
		case err == nil:
			initial = NewRecordEvent(EventInitialStatus, r)
		case errors.Is(err, escrow.ErrRecordNotFound):
		default:
			b.RemoveSubscriber(sub.ID())
			return nil, fmt.Errorf("stream: load snapshot for %s: %w", snapshot, err)
		}
	}

	if !sub.prime(initial) {
		b.evict(sub)
		return nil, fmt.Errorf("stream: subscriber %s overflowed while priming", sub.ID())
	}

	b.logger.Debug("stream subscriber added",
		slog.String("subscriber_id", sub.ID()),
		slog.Any("topics", canonical),
	)
	return sub, nil
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		if t, err := NormalizeTopic(topic); err == nil {
			b.topics.Unsubscribe(t, subscriberID)
		}
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Publish fans evt out to every subscriber of its topics. Subscribers that
// are closed or cannot keep up are removed; delivery to the rest is not
// affected. It returns the number of subscribers that received evt.
func (b *Broker) Publish(evt *Event) int {
	b.totalPublished.Add(1)
	delivered, failed := b.topics.Broadcast(resolveTopics(evt), evt)
	b.totalDelivered.Add(int64(delivered))
	for _, sub := range failed {
		b.evict(sub)
	}
	return delivered
}

func (b *Broker) evict(sub *Subscriber) {
	b.totalEvicted.Add(1)
	b.RemoveSubscriber(sub.ID())
	b.logger.Debug("stream subscriber dropped", slog.String("subscriber_id", sub.ID()))
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDelivered:  b.totalDelivered.Load(),
		TotalEvicted:    b.totalEvicted.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDelivered  int64 `json:"total_delivered"`
	TotalEvicted    int64 `json:"total_evicted"`
}

// ── Lifecycle hooks ─────────────────────────────────

// OnStatusChanged implements ext.StatusChanged.
func (b *Broker) OnStatusChanged(_ context.Context, u *status.Update) error {
	b.Publish(NewUpdateEvent(u))
	return nil
}

// OnEntityDeleted implements ext.EntityDeleted.
func (b *Broker) OnEntityDeleted(_ context.Context, key entity.Key) error {
	b.Publish(NewDeletedEvent(key))
	return nil
}

// OnShutdown implements ext.Shutdown.
func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, _ any) bool {
		b.RemoveSubscriber(key.(string)) //nolint:errcheck // sync.Map always stores string keys
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
