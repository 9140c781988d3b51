package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb, err := NewRedisClient(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestRedisLock_Exclusive(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	a := NewRedisLock(rdb, "lock:generation")
	b := NewRedisLock(rdb, "lock:generation")

	release, err := a.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:generation"))

	_, err = b.Acquire(ctx, time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	release()
	assert.False(t, mr.Exists("lock:generation"))

	releaseB, err := b.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	releaseB()
}

func TestRedisLock_ReleaseKeepsForeignOwner(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	lock := NewRedisLock(rdb, "lock:generation")
	release, err := lock.Acquire(ctx, time.Minute)
	require.NoError(t, err)

	// Simulate expiry followed by another owner taking the key.
	require.NoError(t, mr.Set("lock:generation", "someone-else"))
	release()

	val, err := mr.Get("lock:generation")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", val)
}

func TestRedisQueue_FIFO(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	q := NewRedisQueue(rdb)

	require.NoError(t, q.Push(ctx, Job{Kind: JobImportTrends, Country: "RO"}))
	require.NoError(t, q.Push(ctx, Job{Kind: JobGenerate}))

	items, _ := mr.List(queueKey)
	assert.Len(t, items, 2)

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, Job{Kind: JobImportTrends, Country: "RO"}, first)

	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, JobGenerate, second.Kind)
}
