package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astralisone/astralis-nextjs-sub001/internal/store"
	"github.com/astralisone/astralis-nextjs-sub001/internal/types"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newLimiter(limits Limits) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := New(store.NewMemory(c.Now), "rl:", limits)
	l.Now = c.Now
	return l, c
}

func TestLimiter_WindowAgesOut(t *testing.T) {
	ctx := context.Background()
	l, c := newLimiter(Limits{Window: time.Minute, PerWindow: 3})

	for i := 0; i < 3; i++ {
		v, err := l.IsAllowed(ctx, "alice", types.PriorityNormal)
		require.NoError(t, err)
		require.True(t, v.Allowed, "event %d should be allowed", i)
		require.NoError(t, l.Record(ctx, "alice"))
		c.Advance(10 * time.Second)
	}

	v, err := l.IsAllowed(ctx, "alice", types.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "per-window limit reached", v.Reason)
	// Oldest event was at t0; now is t0+30s, so it ages out 30s later.
	assert.Equal(t, 30*time.Second+time.Millisecond, v.RetryAfter)

	c.Advance(30 * time.Second)
	v, err = l.IsAllowed(ctx, "alice", types.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, v.Allowed, "an event exactly one window old still counts")

	c.Advance(time.Millisecond)
	v, err = l.IsAllowed(ctx, "alice", types.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, v.Allowed, "oldest event aged out of the window")
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(Limits{Window: time.Minute, PerWindow: 1})

	require.NoError(t, l.Record(ctx, "alice"))
	v, err := l.IsAllowed(ctx, "bob", types.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestLimiter_UrgentBurst(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(Limits{Window: time.Minute, PerWindow: 2, UrgentBurst: 1})

	require.NoError(t, l.Record(ctx, "ops"))
	require.NoError(t, l.Record(ctx, "ops"))

	v, err := l.IsAllowed(ctx, "ops", types.PriorityHigh)
	require.NoError(t, err)
	assert.False(t, v.Allowed)

	v, err = l.IsAllowed(ctx, "ops", types.PriorityUrgent)
	require.NoError(t, err)
	assert.True(t, v.Allowed, "urgent gets the burst allowance")

	require.NoError(t, l.Record(ctx, "ops"))
	v, err = l.IsAllowed(ctx, "ops", types.PriorityUrgent)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
}

func TestLimiter_HourlyAndGlobal(t *testing.T) {
	ctx := context.Background()
	l, c := newLimiter(Limits{Window: time.Minute, PerWindow: 10, PerHour: 2, GlobalPerWindow: 3})

	require.NoError(t, l.Record(ctx, "a"))
	c.Advance(2 * time.Minute)
	require.NoError(t, l.Record(ctx, "a"))

	v, err := l.IsAllowed(ctx, "a", types.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "hourly limit reached", v.Reason)
	assert.Equal(t, 58*time.Minute+time.Millisecond, v.RetryAfter)

	require.NoError(t, l.Record(ctx, "b"))
	require.NoError(t, l.Record(ctx, "c"))
	v, err = l.IsAllowed(ctx, "d", types.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, "global limit reached", v.Reason)
}

func TestLimiter_AllowIsAtomic(t *testing.T) {
	ctx := context.Background()
	l, _ := newLimiter(Limits{Window: time.Minute, PerWindow: 5})

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := l.Allow(ctx, "shared", types.PriorityNormal)
			if err == nil && v.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 5, admitted.Load())
}

func TestLimiter_StatusAndCleanup(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	mem := store.NewMemory(c.Now)
	l := New(mem, "rl:", Limits{Window: time.Minute, PerWindow: 5, PerDay: 100})
	l.Now = c.Now

	require.NoError(t, l.Record(ctx, "k"))
	c.Advance(2 * time.Minute)
	require.NoError(t, l.Record(ctx, "k"))

	u, err := l.Status(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Usage{Window: 1, Hour: 2, Day: 2}, u)

	c.Advance(25 * time.Hour)
	require.NoError(t, l.Record(ctx, "other"))
	_, err = mem.Sweep(ctx)
	require.NoError(t, err)
	u, err = l.Status(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, Usage{}, u)
}

func TestLimiter_RedisStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	l := New(store.NewRedis(client, "test:"), "rl:", Limits{Window: time.Minute, PerWindow: 2})
	l.Now = c.Now

	for i := 0; i < 2; i++ {
		v, err := l.Allow(ctx, "wf-1", types.PriorityNormal)
		require.NoError(t, err)
		require.True(t, v.Allowed)
		c.Advance(time.Second)
	}
	v, err := l.Allow(ctx, "wf-1", types.PriorityNormal)
	require.NoError(t, err)
	assert.False(t, v.Allowed)

	c.Advance(time.Minute)
	v, err = l.Allow(ctx, "wf-1", types.PriorityNormal)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}
