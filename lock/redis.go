package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/xraph/escrow/backoff"
)

// unlockScript deletes the key only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Locker shared by every process pointing at the same Redis.
// Locks expire after TTL so a crashed holder cannot wedge an entity.
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	poll   backoff.Strategy
	logger *slog.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix. Default "escrow:lock:".
func WithPrefix(p string) RedisOption {
	return func(r *Redis) { r.prefix = p }
}

// WithTTL sets how long a lock lives before it expires on its own.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

// WithPollStrategy sets the delay between acquisition attempts.
func WithPollStrategy(s backoff.Strategy) RedisOption {
	return func(r *Redis) { r.poll = s }
}

// WithLogger sets the logger used to report failed releases.
func WithLogger(l *slog.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

// NewRedis creates a Redis-backed locker.
func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "escrow:lock:",
		ttl:    30 * time.Second,
		poll:   backoff.NewExponentialWithJitter(10*time.Millisecond, 200*time.Millisecond),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lock polls SET NX until the lock is taken or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	rkey := r.prefix + key
	token := uuid.NewString()

	for attempt := 1; ; attempt++ {
		ok, err := r.client.SetNX(ctx, rkey, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, contention(key, ctx.Err())
			}
			return nil, fmt.Errorf("escrow/lock: acquire %s: %w", key, err)
		}
		if ok {
			break
		}
		if err := backoff.Wait(ctx, r.poll, attempt); err != nil {
			return nil, contention(key, err)
		}
	}

	return func() {
		// Release with a fresh context: the caller's may already be done.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := unlockScript.Run(ctx, r.client, []string{rkey}, token).Err(); err != nil {
			r.logger.Warn("lock release failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}, nil
}
