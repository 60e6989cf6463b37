package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type payload struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

func newMemory(t *testing.T, opts ...MemoryOption) (*MemoryCache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)}
	mc := NewMemoryCache(append([]MemoryOption{WithMemoryClock(clk.Now)}, opts...)...)
	t.Cleanup(func() { _ = mc.Close() })
	return mc, clk
}

func TestMemoryRoundTripAndExpiry(t *testing.T) {
	ctx := context.Background()
	mc, clk := newMemory(t)

	require.NoError(t, mc.Set(ctx, "k", payload{Name: "a", Value: 1.5}, time.Minute))
	var got payload
	require.NoError(t, mc.Get(ctx, "k", &got))
	assert.Equal(t, payload{Name: "a", Value: 1.5}, got)

	ok, err := mc.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(2 * time.Minute)
	assert.ErrorIs(t, mc.Get(ctx, "k", &got), ErrCacheMiss)
	ok, _ = mc.Exists(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryStringsAreRaw(t *testing.T) {
	ctx := context.Background()
	mc, _ := newMemory(t)
	require.NoError(t, mc.Set(ctx, "s", "plain", 0))
	var s string
	require.NoError(t, mc.Get(ctx, "s", &s))
	assert.Equal(t, "plain", s)
}

func TestMemoryTryLock(t *testing.T) {
	ctx := context.Background()
	mc, clk := newMemory(t)

	first, ok, err := mc.TryLock(ctx, "lock:r1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, _ = mc.TryLock(ctx, "lock:r1", time.Second)
	assert.False(t, ok)

	clk.Advance(2 * time.Second)
	second, ok, _ := mc.TryLock(ctx, "lock:r1", time.Second)
	assert.True(t, ok, "expired lock can be taken")
	assert.NotEqual(t, first, second)

	assert.ErrorIs(t, mc.Unlock(ctx, "lock:r1", first), ErrLockNotHeld)
	_, ok, _ = mc.TryLock(ctx, "lock:r1", time.Second)
	assert.False(t, ok, "a stale token does not release the new holder")

	require.NoError(t, mc.Unlock(ctx, "lock:r1", second))
	_, ok, _ = mc.TryLock(ctx, "lock:r1", time.Second)
	assert.True(t, ok)
}

func TestMemoryDeleteByPatternAndEviction(t *testing.T) {
	ctx := context.Background()
	mc, clk := newMemory(t, WithMemoryMaxSize(3))

	for _, k := range []string{"md:a", "md:b", "run:1"} {
		require.NoError(t, mc.Set(ctx, k, 1, 0))
		clk.Advance(time.Millisecond)
	}
	require.NoError(t, mc.DeleteByPattern(ctx, BuildPattern("md:")))
	ok, _ := mc.Exists(ctx, "md:a", "md:b")
	assert.False(t, ok)
	ok, _ = mc.Exists(ctx, "run:1")
	assert.True(t, ok)

	require.NoError(t, mc.Set(ctx, "x", 1, 0))
	clk.Advance(time.Millisecond)
	require.NoError(t, mc.Set(ctx, "y", 1, 0))
	clk.Advance(time.Millisecond)
	require.NoError(t, mc.Set(ctx, "z", 1, 0))
	ok, _ = mc.Exists(ctx, "run:1")
	assert.False(t, ok, "least recently used key is evicted")
}

func TestLayeredReadsThroughToL2(t *testing.T) {
	ctx := context.Background()
	l2, _ := newMemory(t)
	lc := NewLayeredCache(l2, WithLayeredMemoryTTL(time.Minute))
	t.Cleanup(func() { _ = lc.memCache.Close() })

	require.NoError(t, l2.Set(ctx, "k", payload{Name: "from-l2"}, 0))
	var got payload
	require.NoError(t, lc.Get(ctx, "k", &got))
	assert.Equal(t, "from-l2", got.Name)

	require.NoError(t, l2.Delete(ctx, "k"))
	require.NoError(t, lc.Get(ctx, "k", &got), "served from L1")

	require.NoError(t, lc.Delete(ctx, "k"))
	assert.ErrorIs(t, lc.Get(ctx, "k", &got), ErrCacheMiss)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	db, mock := redismock.NewClientMock()
	rc := NewRedisCacheWithClient(db, "qf")
	lockToken = func() string { return "tok-1" }
	t.Cleanup(func() { lockToken = uuid.NewString })

	mock.ExpectSet("qf:k", []byte(`{"name":"a","value":2}`), time.Minute).SetVal("OK")
	require.NoError(t, rc.Set(ctx, "k", payload{Name: "a", Value: 2}, time.Minute))

	mock.ExpectGet("qf:k").SetVal(`{"name":"a","value":2}`)
	var got payload
	require.NoError(t, rc.Get(ctx, "k", &got))
	assert.Equal(t, 2.0, got.Value)

	mock.ExpectGet("qf:gone").RedisNil()
	assert.ErrorIs(t, rc.Get(ctx, "gone", &got), ErrCacheMiss)

	mock.ExpectSetNX("qf:lock:r1", "tok-1", time.Minute).SetVal(false)
	_, ok, err := rc.TryLock(ctx, "lock:r1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectSetNX("qf:lock:r1", "tok-1", time.Minute).SetVal(true)
	token, ok, err := rc.TryLock(ctx, "lock:r1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok-1", token)

	mock.ExpectEvalSha(unlockScript.Hash(), []string{"qf:lock:r1"}, "tok-1").SetVal(int64(1))
	require.NoError(t, rc.Unlock(ctx, "lock:r1", token))

	// the lock expired and now holds someone else's token
	mock.ExpectEvalSha(unlockScript.Hash(), []string{"qf:lock:r1"}, "tok-1").SetVal(int64(0))
	assert.ErrorIs(t, rc.Unlock(ctx, "lock:r1", token), ErrLockNotHeld)

	require.NoError(t, mock.ExpectationsWereMet())
}
