package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(t *testing.T, max int) (*Cache[string], *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[string](Config{DefaultTTL: time.Minute, MaxEntries: max})
	c.now = clock.now
	t.Cleanup(c.Stop)
	return c, clock
}

func TestGetHonorsTTL(t *testing.T) {
	c, clock := newTestCache(t, 10)

	c.Set("a", "1")
	c.SetWithTTL("b", "2", 10*time.Second)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	clock.advance(10 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "expired entries are never returned")

	clock.advance(time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestSizeBoundEvictsSoonestExpiry(t *testing.T) {
	c, clock := newTestCache(t, 3)

	c.SetWithTTL("long", "1", 10*time.Minute)
	c.SetWithTTL("short", "2", 2*time.Minute)
	c.SetWithTTL("mid", "3", 5*time.Minute)
	assert.True(t, c.Full())

	clock.advance(time.Second)
	c.Set("new", "4")

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("short")
	assert.False(t, ok)
	for _, key := range []string{"long", "mid", "new"} {
		_, ok := c.Get(key)
		assert.True(t, ok, key)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestSizeBoundPurgesExpiredFirst(t *testing.T) {
	c, clock := newTestCache(t, 3)

	c.SetWithTTL("stale-1", "1", time.Second)
	c.SetWithTTL("stale-2", "2", time.Second)
	c.SetWithTTL("live", "3", time.Hour)
	assert.True(t, c.Full())

	clock.advance(2 * time.Second)
	assert.False(t, c.Full())
	c.Set("new", "4")

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("live")
	assert.True(t, ok)
	assert.Equal(t, int64(0), c.Stats().Evictions)
}

func TestInsertingPastCapacityKeepsBound(t *testing.T) {
	c, _ := newTestCache(t, 5)
	for i := 0; i < 6; i++ {
		c.Set(fmt.Sprintf("k%d", i), "v")
		assert.LessOrEqual(t, c.Len(), 5)
	}
	c.Set("k5", "overwrite")
	assert.Equal(t, 5, c.Len())
}

func TestDeleteByPrefix(t *testing.T) {
	c, _ := newTestCache(t, 10)
	c.Set("report:a:1", "x")
	c.Set("report:a:2", "y")
	c.Set("report:b:1", "z")

	assert.Equal(t, 2, c.DeleteByPrefix("report:a:"))
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestStopIsIdempotent(t *testing.T) {
	c := New[int](Config{CleanupInterval: time.Millisecond})
	assert.Equal(t, 1000, c.Capacity())
	c.Stop()
	c.Stop()
}
