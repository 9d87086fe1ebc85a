package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/ext"
	"github.com/xraph/escrow/id"
	"github.com/xraph/escrow/status"
	"github.com/xraph/escrow/stream"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Relay)(nil)
	_ ext.StatusChanged = (*Relay)(nil)
	_ ext.EntityDeleted = (*Relay)(nil)
)

// Publisher receives events relayed from other instances.
// *stream.Broker satisfies it.
type Publisher interface {
	Publish(evt *stream.Event) int
}

// Relay publishes local events to Redis and injects remote ones into the
// local broker.
type Relay struct {
	client   redis.UniversalClient
	local    Publisher
	channel  string
	instance string
	enabled  map[stream.EventType]bool // nil = all enabled
	logger   *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	dropped  atomic.Int64
}

// New creates a Relay that shares events over client and delivers remote
// events to local.
func New(client redis.UniversalClient, local Publisher, opts ...Option) *Relay {
	r := &Relay{
		client:   client,
		local:    local,
		channel:  DefaultChannel,
		instance: id.NewInstanceID().String(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name implements ext.Extension.
func (r *Relay) Name() string { return "relay" }

// InstanceID returns the ID stamped on events published by this instance.
func (r *Relay) InstanceID() string { return r.instance }

// Channel returns the Redis channel name.
func (r *Relay) Channel() string { return r.channel }

// ── Lifecycle hooks ─────────────────────────────────

// OnStatusChanged implements ext.StatusChanged.
func (r *Relay) OnStatusChanged(ctx context.Context, u *status.Update) error {
	return r.send(ctx, stream.NewUpdateEvent(u))
}

// OnEntityDeleted implements ext.EntityDeleted.
func (r *Relay) OnEntityDeleted(ctx context.Context, key entity.Key) error {
	return r.send(ctx, stream.NewDeletedEvent(key))
}

// ── Outbound ────────────────────────────────────────

func (r *Relay) send(ctx context.Context, evt *stream.Event) error {
	if !r.relays(evt.Type) {
		return nil
	}
	evt.Origin = r.instance

	payload, err := msgpack.Marshal(evt)
	if err != nil {
		return fmt.Errorf("relay: encode event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: publish %s: %w", evt.Type, err)
	}
	r.sent.Add(1)
	return nil
}

func (r *Relay) relays(t stream.EventType) bool {
	if t == stream.EventInitialStatus {
		return false
	}
	return r.enabled == nil || r.enabled[t]
}

// ── Inbound ─────────────────────────────────────────

// Run subscribes to the channel and republishes remote events locally
// until ctx is done. It returns an error only when the subscription
// cannot be established.
func (r *Relay) Run(ctx context.Context) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer func() { _ = ps.Close() }()

	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("relay: subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("relay subscribed",
		slog.String("channel", r.channel),
		slog.String("instance", r.instance),
	)

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.handle([]byte(msg.Payload))
		}
	}
}

// handle decodes one relayed payload and hands it to the local broker.
// Events this instance published itself are skipped; the broker already
// saw them through its own hook.
func (r *Relay) handle(payload []byte) {
	var evt stream.Event
	if err := msgpack.Unmarshal(payload, &evt); err != nil {
		r.dropped.Add(1)
		r.logger.Warn("relay: undecodable event", slog.String("error", err.Error()))
		return
	}
	if evt.Origin == r.instance {
		return
	}
	if !r.relays(evt.Type) {
		r.dropped.Add(1)
		return
	}
	if _, err := evt.Key(); err != nil {
		r.dropped.Add(1)
		r.logger.Warn("relay: event with invalid key",
			slog.String("origin", evt.Origin),
			slog.String("error", err.Error()),
		)
		return
	}

	r.received.Add(1)
	r.local.Publish(&evt)
}

// Stats reports relay counters.
func (r *Relay) Stats() Stats {
	return Stats{
		InstanceID: r.instance,
		Sent:       r.sent.Load(),
		Received:   r.received.Load(),
		Dropped:    r.dropped.Load(),
	}
}

// Stats contains relay counters.
type Stats struct {
	InstanceID string `json:"instance_id"`
	Sent       int64  `json:"sent"`
	Received   int64  `json:"received"`
	Dropped    int64  `json:"dropped"`
}
