package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confusedev/trafficgate/internal/clock"
)

func newMemoryLimiter(t *testing.T) (*MemoryLimiter, *clock.Mock) {
	t.Helper()

	mock := clock.NewMock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	l := NewMemoryLimiter(
		WithMemoryClock(mock),
		WithSweepInterval(0), // sweep manually in tests
	)
	t.Cleanup(l.Close)
	return l, mock
}

func TestMemoryLimiter_DecreasingRemaining(t *testing.T) {
	t.Parallel()

	l, mock := newMemoryLimiter(t)
	ctx := context.Background()

	for _, want := range []int{4, 3, 2, 1, 0} {
		res, err := l.CheckAndRecord(ctx, "user:alice", BucketSearch, 5, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 5, res.Limit)
		assert.Equal(t, want, res.Remaining)
		assert.Equal(t, mock.Now().Add(time.Minute).Unix(), res.ResetAt)
		mock.Advance(2 * time.Second)
	}

	res, err := l.CheckAndRecord(ctx, "user:alice", BucketSearch, 5, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
}

func TestMemoryLimiter_WindowSlides(t *testing.T) {
	t.Parallel()

	l, mock := newMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.CheckAndRecord(ctx, "user:alice", BucketDefault, 5, time.Minute)
	}

	mock.Advance(time.Minute + time.Second)

	res, err := l.CheckAndRecord(ctx, "user:alice", BucketDefault, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestMemoryLimiter_RejectedRequestStillRecorded(t *testing.T) {
	t.Parallel()

	l, mock := newMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.CheckAndRecord(ctx, "user:bob", BucketSync, 2, time.Minute)
		require.NoError(t, err)
		if i < 2 {
			assert.True(t, res.Allowed)
		} else {
			assert.False(t, res.Allowed)
		}
	}

	// The rejected third request counts toward the window: half a window
	// later only one slot has expired... none have, so still rejected.
	mock.Advance(30 * time.Second)
	res, err := l.CheckAndRecord(ctx, "user:bob", BucketSync, 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestMemoryLimiter_ClientsAreIndependent(t *testing.T) {
	t.Parallel()

	l, _ := newMemoryLimiter(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		l.CheckAndRecord(ctx, "user:alice", BucketDefault, 5, time.Minute)
	}

	res, err := l.CheckAndRecord(ctx, "user:carol", BucketDefault, 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestMemoryLimiter_Sweep(t *testing.T) {
	t.Parallel()

	l, mock := newMemoryLimiter(t)
	ctx := context.Background()

	l.CheckAndRecord(ctx, "user:alice", BucketDefault, 5, time.Minute)
	l.CheckAndRecord(ctx, "user:bob", BucketDefault, 5, time.Minute)

	mock.Advance(10 * time.Minute)
	l.CheckAndRecord(ctx, "user:bob", BucketDefault, 5, time.Minute)

	l.sweep(5 * time.Minute)

	count := 0
	l.windows.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Equal(t, 1, count)
}

func TestMemoryLimiter_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	l := NewMemoryLimiter(WithSweepInterval(0))
	t.Cleanup(l.Close)
	ctx := context.Background()

	var wg sync.WaitGroup
	allowed := make([]int, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				res, err := l.CheckAndRecord(ctx, "user:shared", BucketDefault, 100, time.Minute)
				if err == nil && res.Allowed {
					allowed[n]++
				}
			}
		}(i)
	}
	wg.Wait()

	total := 0
	for _, n := range allowed {
		total += n
	}
	assert.Equal(t, 100, total)
}
