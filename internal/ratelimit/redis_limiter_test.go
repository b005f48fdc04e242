package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confusedev/trafficgate/internal/observability"
)

func newRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisLimiter(client, observability.NopLogger()), mr
}

func TestRedisLimiter_EnforcesLimit(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t)
	ctx := context.Background()

	for _, want := range []int{4, 3, 2, 1, 0} {
		res, err := l.CheckAndRecord(ctx, "user:alice", BucketSearch, 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, want, res.Remaining)
	}

	res, err := l.CheckAndRecord(ctx, "user:alice", BucketSearch, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
}

func TestRedisLimiter_SeparateKeysPerClientAndRoute(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.CheckAndRecord(ctx, "user:alice", BucketSync, 2, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i < 2, res.Allowed)
	}

	res, err := l.CheckAndRecord(ctx, "user:alice", BucketSearch, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = l.CheckAndRecord(ctx, "user:bob", BucketSync, 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisLimiter_FailsOpenWhenBackendDown(t *testing.T) {
	t.Parallel()

	l, mr := newRedisLimiter(t)
	ctx := context.Background()

	mr.Close()

	res, err := l.CheckAndRecord(ctx, "user:alice", BucketDefault, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisLimiter_WindowExpires(t *testing.T) {
	t.Parallel()

	l, _ := newRedisLimiter(t)
	ctx := context.Background()

	window := 200 * time.Millisecond
	for i := 0; i < 3; i++ {
		l.CheckAndRecord(ctx, "user:alice", BucketDefault, 2, window)
	}

	time.Sleep(window + 50*time.Millisecond)

	res, err := l.CheckAndRecord(ctx, "user:alice", BucketDefault, 2, window)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
