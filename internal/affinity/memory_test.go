package affinity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, ttl time.Duration) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s := NewMemoryStore(MemoryOptions{TTL: ttl, Now: clock.Now})
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func TestMemoryStore_SaveThenGetThenExpire(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, 90*time.Second)

	require.NoError(t, s.Save(ctx, "dev1", "gw-7"))

	got, err := s.Get(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "gw-7", got)

	clock.Advance(89 * time.Second)
	got, err = s.Get(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "gw-7", got)

	clock.Advance(time.Second)
	_, err = s.Get(ctx, "dev1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, s.Len(), "expired entry is dropped on read")
}

func TestMemoryStore_HeartbeatRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, time.Minute)

	require.NoError(t, s.Save(ctx, "dev1", "gw-7"))
	for i := 0; i < 5; i++ {
		clock.Advance(50 * time.Second)
		require.NoError(t, s.Save(ctx, "dev1", "gw-7"))
	}

	got, err := s.Get(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "gw-7", got)
}

func TestMemoryStore_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	once, _ := newTestStore(t, time.Minute)
	twice, _ := newTestStore(t, time.Minute)

	require.NoError(t, once.Save(ctx, "dev1", "gw-7"))
	require.NoError(t, twice.Save(ctx, "dev1", "gw-7"))
	require.NoError(t, twice.Save(ctx, "dev1", "gw-7"))

	a, errA := once.Get(ctx, "dev1")
	b, errB := twice.Get(ctx, "dev1")
	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, a, b)
	assert.Equal(t, once.Len(), twice.Len())
}

func TestMemoryStore_LatestSaveWins(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, time.Minute)

	require.NoError(t, s.Save(ctx, "dev1", "gw-1"))
	require.NoError(t, s.Save(ctx, "dev1", "gw-2"))

	got, err := s.Get(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "gw-2", got)
}

func TestMemoryStore_RemoveIfOwner(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, time.Minute)

	require.NoError(t, s.Save(ctx, "dev1", "gw-1"))
	require.NoError(t, s.Save(ctx, "dev1", "gw-2"))

	// The stale gateway cannot evict its successor.
	removed, err := s.RemoveIfOwner(ctx, "dev1", "gw-1")
	require.NoError(t, err)
	assert.False(t, removed)

	got, err := s.Get(ctx, "dev1")
	require.NoError(t, err)
	assert.Equal(t, "gw-2", got)

	removed, err = s.RemoveIfOwner(ctx, "dev1", "gw-2")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = s.Get(ctx, "dev1")
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err = s.RemoveIfOwner(ctx, "missing", "gw-2")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestMemoryStore_Remove(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, time.Minute)

	require.NoError(t, s.Save(ctx, "dev1", "gw-1"))
	require.NoError(t, s.Remove(ctx, "dev1"))
	require.NoError(t, s.Remove(ctx, "dev1"), "removing an absent entry is not an error")

	_, err := s.Get(ctx, "dev1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RejectsEmptyIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, time.Minute)

	assert.ErrorIs(t, s.Save(ctx, "", "gw-1"), ErrInvalidEntry)
	assert.ErrorIs(t, s.Save(ctx, "dev1", ""), ErrInvalidEntry)
}

func TestMemoryStore_Sweep(t *testing.T) {
	ctx := context.Background()
	s, clock := newTestStore(t, time.Minute)

	require.NoError(t, s.Save(ctx, "old", "gw-1"))
	clock.Advance(30 * time.Second)
	require.NoError(t, s.Save(ctx, "new", "gw-1"))
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())

	_, err := s.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestMemoryStore_JanitorStopsOnClose(t *testing.T) {
	s := NewMemoryStore(MemoryOptions{TTL: time.Millisecond, SweepInterval: 5 * time.Millisecond})
	require.NoError(t, s.Save(context.Background(), "dev1", "gw-1"))

	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second Close is a no-op")
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				dev := fmt.Sprintf("dev%d", i%10)
				gw := fmt.Sprintf("gw-%d", g)
				_ = s.Save(ctx, dev, gw)
				_, _ = s.Get(ctx, dev)
				_, _ = s.RemoveIfOwner(ctx, dev, gw)
			}
		}(g)
	}
	wg.Wait()
}
