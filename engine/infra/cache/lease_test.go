package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flowplane/flowplane/engine/core"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, "fp:lease:"), mr
}

func TestLocker(t *testing.T) {
	ctx := context.Background()

	t.Run("Should grant a free key and refuse a held one", func(t *testing.T) {
		locker, mr := setupLocker(t)
		lease, err := locker.TryAcquire(ctx, "workflow:orders", time.Minute)
		require.NoError(t, err)
		assert.True(t, mr.Exists("fp:lease:workflow:orders"))

		_, err = locker.TryAcquire(ctx, "workflow:orders", time.Minute)
		assert.ErrorIs(t, err, core.ErrLockHeld)

		require.NoError(t, lease.Release(ctx))
		assert.False(t, mr.Exists("fp:lease:workflow:orders"))
		_, err = locker.TryAcquire(ctx, "workflow:orders", time.Minute)
		assert.NoError(t, err)
	})

	t.Run("Should let an expired lease be taken over", func(t *testing.T) {
		locker, mr := setupLocker(t)
		stale, err := locker.TryAcquire(ctx, "workflow:orders", time.Second)
		require.NoError(t, err)
		mr.FastForward(2 * time.Second)

		fresh, err := locker.TryAcquire(ctx, "workflow:orders", time.Minute)
		require.NoError(t, err)
		assert.ErrorIs(t, stale.Release(ctx), ErrLeaseLost)
		assert.True(t, mr.Exists("fp:lease:workflow:orders"))
		assert.NoError(t, fresh.Release(ctx))
	})

	t.Run("Should report contention as a conflict through AcquireLease", func(t *testing.T) {
		locker, _ := setupLocker(t)
		_, err := locker.TryAcquire(ctx, "workflow:orders", time.Minute)
		require.NoError(t, err)
		_, err = core.AcquireLease(ctx, locker, "workflow:orders", time.Minute, 30*time.Millisecond)
		assert.ErrorIs(t, err, core.ErrConflict)
	})

	t.Run("Should reject a non-positive ttl", func(t *testing.T) {
		locker, _ := setupLocker(t)
		_, err := locker.TryAcquire(ctx, "workflow:orders", 0)
		assert.Error(t, err)
	})
}

func TestNewRedis(t *testing.T) {
	t.Run("Should connect and ping", func(t *testing.T) {
		mr := miniredis.RunT(t)
		r, err := NewRedis(context.Background(), &Config{Addr: mr.Addr()})
		require.NoError(t, err)
		assert.NoError(t, r.Client().Ping(context.Background()).Err())
		assert.NoError(t, r.Close())
		assert.NoError(t, r.Close())
	})

	t.Run("Should fail when the server is unreachable", func(t *testing.T) {
		_, err := NewRedis(context.Background(), &Config{Addr: "127.0.0.1:1", PingTimeout: 200 * time.Millisecond})
		assert.Error(t, err)
	})
}
