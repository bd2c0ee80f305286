package retention

import (
	"context"
	"eemt-orchestrator/pkg/backoff"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker grants exclusive use of a named section. The returned unlock
// function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

// LocalLocker serializes sections within one process.
type LocalLocker struct {
	sem chan struct{}
}

// NewLocalLocker creates a process-local locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{sem: make(chan struct{}, 1)}
}

// Lock blocks until the section is free or ctx ends. All names share one
// section.
func (l *LocalLocker) Lock(ctx context.Context, _ string) (func(), error) {
	select {
	case l.sem <- struct{}{}:
		return func() { <-l.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes sections across processes sharing a Redis server.
// A lock expires after its TTL so a crashed holder cannot block others
// forever.
type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   backoff.Config
}

// RedisConfig configures a RedisLocker.
type RedisConfig struct {
	URL    string
	Prefix string        // key prefix (default "eemt:lock:")
	TTL    time.Duration // lock expiry (default 30m)
}

// NewRedisLocker connects to the Redis server at cfg.URL.
func NewRedisLocker(cfg RedisConfig) (*RedisLocker, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "eemt:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	return &RedisLocker{
		client: redis.NewClient(opts),
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		poll:   backoff.Config{Initial: 50 * time.Millisecond, Max: 2 * time.Second},
	}, nil
}

// Lock polls until it owns the key or ctx ends.
func (l *RedisLocker) Lock(ctx context.Context, name string) (func(), error) {
	key := l.prefix + name
	token := uuid.NewString()

	for attempt := 1; ; attempt++ {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}

		if err := l.poll.Wait(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		slog.Warn("Failed to release lock", "key", key, "error", err)
	}
}

// Ping checks the Redis connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
