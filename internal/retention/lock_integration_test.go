//go:build integration

package retention

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return "redis://" + host + ":" + port.Port()
}

func newRedisLocker(t *testing.T, url string, ttl time.Duration) *RedisLocker {
	t.Helper()
	l, err := NewRedisLocker(RedisConfig{URL: url, TTL: ttl})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.Ping(context.Background()))
	return l
}

func TestRedisLocker_MutualExclusion(t *testing.T) {
	url := setupRedis(t)
	// Two lockers stand in for two service processes.
	lockers := []*RedisLocker{newRedisLocker(t, url, time.Minute), newRedisLocker(t, url, time.Minute)}

	var holders, maxHolders atomic.Int64
	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := lockers[i%2].Lock(context.Background(), LockName)
			if !assert.NoError(t, err) {
				return
			}
			n := holders.Add(1)
			for {
				m := maxHolders.Load()
				if n <= m || maxHolders.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			holders.Add(-1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), maxHolders.Load())
}

func TestRedisLocker_ContextCancel(t *testing.T) {
	url := setupRedis(t)
	l := newRedisLocker(t, url, time.Minute)

	unlock, err := l.Lock(context.Background(), LockName)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, LockName)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLocker_ExpiredLockIsNotStolenBack(t *testing.T) {
	url := setupRedis(t)
	a := newRedisLocker(t, url, 100*time.Millisecond)
	b := newRedisLocker(t, url, time.Minute)

	unlockA, err := a.Lock(context.Background(), LockName)
	require.NoError(t, err)

	// a's lock expires; b takes it over.
	unlockB, err := b.Lock(context.Background(), LockName)
	require.NoError(t, err)

	// a's late release must not free b's lock.
	unlockA()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = a.Lock(ctx, LockName)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlockB()
}

func TestEngine_WithRedisLocker(t *testing.T) {
	url := setupRedis(t)
	f := newFixture(t)
	f.addJob(t, "old-success", "completed", 8*24*time.Hour)

	e := NewEngine(Options{Store: f.store, Artifacts: f.artifacts, Locker: newRedisLocker(t, url, time.Minute), Clock: clock})
	report, err := e.RunCleanup(context.Background(), DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total())
}
