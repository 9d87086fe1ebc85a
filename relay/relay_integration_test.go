//go:build integration

package relay_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/engine"
	"github.com/xraph/escrow/entity"
	"github.com/xraph/escrow/relay"
	"github.com/xraph/escrow/store/memory"
	"github.com/xraph/escrow/stream"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}
	opts, err := redis.ParseURL(uri)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// instance is one tracker with its own store, broker and relay. Sharing
// the memory store between instances stands in for a shared database.
type instance struct {
	eng   *engine.Engine
	relay *relay.Relay
}

func newInstance(t *testing.T, ctx context.Context, rdb *redis.Client, s *memory.Store) *instance {
	t.Helper()

	tr, err := escrow.New(escrow.WithStore(s), escrow.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("escrow.New: %v", err)
	}
	eng, err := engine.Build(tr)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}

	r := relay.New(rdb, eng.Broker())
	eng.Extensions().Register(r)
	go func() {
		if runErr := r.Run(ctx); runErr != nil {
			t.Errorf("relay.Run: %v", runErr)
		}
	}()
	return &instance{eng: eng, relay: r}
}

// waitSubscribed blocks until n relays listen on the channel.
func waitSubscribed(t *testing.T, rdb *redis.Client, n int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := rdb.PubSubNumSub(context.Background(), relay.DefaultChannel).Result()
		if err == nil && counts[relay.DefaultChannel] >= n {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("relays did not subscribe")
}

func TestRelay_CrossInstanceDelivery(t *testing.T) {
	rdb := setupRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := memory.New()
	a := newInstance(t, ctx, rdb, s)
	b := newInstance(t, ctx, rdb, s)
	waitSubscribed(t, rdb, 2)

	subB, err := b.eng.Broker().Subscribe(ctx, []string{stream.TopicAll}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	subA, err := a.eng.Broker().Subscribe(ctx, []string{stream.TopicAll}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	key := entity.Key{Kind: entity.Contract, ID: "CNT-1"}
	if _, err := a.eng.RequestTransition(ctx, engine.Transition{Key: key, NewStatus: "Preparation", ChangedBy: "U1"}); err != nil {
		t.Fatalf("RequestTransition: %v", err)
	}

	select {
	case evt := <-subB.C():
		if evt.Type != stream.EventStatusChange || evt.EntityID != "CNT-1" || evt.CurrentStatus != "Preparation" {
			t.Errorf("unexpected event on B: %+v", evt)
		}
		if evt.Origin != a.relay.InstanceID() {
			t.Errorf("Origin = %q, want %q", evt.Origin, a.relay.InstanceID())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("instance B never saw the write")
	}

	// A sees its own write once, from its own broker.
	select {
	case evt := <-subA.C():
		if evt.Origin != "" {
			t.Errorf("local event should have no origin, got %q", evt.Origin)
		}
	case <-time.After(time.Second):
		t.Fatal("instance A missed its own write")
	}
	select {
	case evt := <-subA.C():
		t.Fatalf("duplicate event on A: %+v", evt)
	case <-time.After(200 * time.Millisecond):
	}
}
