//go:build integration

package lock_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/xraph/escrow"
	"github.com/xraph/escrow/lock"
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

func TestRedis_LockAndRelease(t *testing.T) {
	client := setupRedis(t)
	l := lock.NewRedis(client, lock.WithTTL(5*time.Second))

	unlock, err := l.Lock(context.Background(), "contract:CNT-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "contract:CNT-1"); !errors.Is(err, escrow.ErrContention) {
		t.Fatalf("second Lock = %v, want ErrContention", err)
	}

	unlock()

	again, err := l.Lock(context.Background(), "contract:CNT-1")
	if err != nil {
		t.Fatalf("Lock after release: %v", err)
	}
	again()
}

func TestRedis_ReleaseKeepsForeignToken(t *testing.T) {
	client := setupRedis(t)
	l := lock.NewRedis(client, lock.WithTTL(50*time.Millisecond))

	unlock, err := l.Lock(context.Background(), "task:TSK-1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	// Let the first lock expire and someone else take it.
	time.Sleep(100 * time.Millisecond)
	other, err := l.Lock(context.Background(), "task:TSK-1")
	if err != nil {
		t.Fatalf("Lock after expiry: %v", err)
	}

	// The stale release must not drop the new holder's lock.
	unlock()
	n, err := client.Exists(context.Background(), "escrow:lock:task:TSK-1").Result()
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if n != 1 {
		t.Error("stale unlock released a lock it no longer owned")
	}
	other()
}
