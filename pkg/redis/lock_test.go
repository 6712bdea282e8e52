package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingsync/pkg/redis"
)

func setupLocker(t *testing.T) (*redis.Locker, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return redis.NewLocker(client, "test:"), mr
}

func TestLocker_TryLock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("second caller does not acquire held lock", func(t *testing.T) {
		t.Parallel()
		locker, mr := setupLocker(t)

		release, ok, err := locker.TryLock(ctx, "evt_1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, mr.Exists("test:evt_1"))

		_, ok, err = locker.TryLock(ctx, "evt_1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, release(ctx))
		assert.False(t, mr.Exists("test:evt_1"))

		_, ok, err = locker.TryLock(ctx, "evt_1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("lock expires after ttl", func(t *testing.T) {
		t.Parallel()
		locker, mr := setupLocker(t)

		_, ok, err := locker.TryLock(ctx, "evt_2", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Second)

		_, ok, err = locker.TryLock(ctx, "evt_2", time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("stale release does not delete new holder", func(t *testing.T) {
		t.Parallel()
		locker, mr := setupLocker(t)

		staleRelease, ok, err := locker.TryLock(ctx, "evt_3", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Second)

		_, ok, err = locker.TryLock(ctx, "evt_3", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		require.NoError(t, staleRelease(ctx))
		assert.True(t, mr.Exists("test:evt_3"))
	})

	t.Run("server error is reported", func(t *testing.T) {
		t.Parallel()
		locker, mr := setupLocker(t)
		mr.Close()

		_, ok, err := locker.TryLock(ctx, "evt_4", time.Second)
		assert.False(t, ok)
		assert.ErrorIs(t, err, redis.ErrLockFailed)
	})
}

func TestHealthcheck(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	check := redis.Healthcheck(client)
	require.NoError(t, check(context.Background()))

	mr.Close()
	assert.ErrorIs(t, check(context.Background()), redis.ErrHealthcheckFailed)
}

func TestConnect_Errors(t *testing.T) {
	t.Parallel()

	_, err := redis.Connect(context.Background(), redis.Config{})
	assert.ErrorIs(t, err, redis.ErrEmptyConnectionURL)

	_, err = redis.Connect(context.Background(), redis.Config{ConnectionURL: "http://bad"})
	assert.ErrorIs(t, err, redis.ErrFailedToParseRedisConnString)
}
