package ttlcache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestCacheBasics(t *testing.T) {
	assert := assert.New(t)
	clock := newFakeClock()
	c := New[string, int](time.Minute, WithClock(clock.Now))

	_, ok := c.Get("a")
	assert.False(ok)
	assert.False(c.Has("a"))

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(ok)
	assert.Equal(1, v)
	assert.True(c.Has("a"))

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(2, v)

	c.Delete("a")
	assert.False(c.Has("a"))
	// deleting an absent key is a no-op
	c.Delete("a")
	assert.Equal(0, c.Len())
}

func TestCacheExpiry(t *testing.T) {
	assert := assert.New(t)
	clock := newFakeClock()
	c := New[string, string](time.Minute, WithClock(clock.Now))

	c.Set("k", "v")
	clock.Advance(59 * time.Second)
	assert.True(c.Has("k"))

	clock.Advance(time.Second)
	_, ok := c.Get("k")
	assert.False(ok)
	// expired entries are purged on read
	assert.Equal(0, c.Len())
}

func TestCacheSetRestartsTTL(t *testing.T) {
	assert := assert.New(t)
	clock := newFakeClock()
	c := New[string, int](time.Minute, WithClock(clock.Now))

	c.Set("k", 1)
	clock.Advance(50 * time.Second)
	c.Set("k", 2)
	clock.Advance(50 * time.Second)

	v, ok := c.Get("k")
	assert.True(ok)
	assert.Equal(2, v)
}

func TestCacheGetDoesNotRestartTTL(t *testing.T) {
	clock := newFakeClock()
	c := New[string, int](time.Minute, WithClock(clock.Now))

	c.Set("k", 1)
	clock.Advance(50 * time.Second)
	assert.True(t, c.Has("k"))
	clock.Advance(10 * time.Second)
	assert.False(t, c.Has("k"))
}

func TestCacheUpdate(t *testing.T) {
	assert := assert.New(t)
	clock := newFakeClock()
	c := New[string, int](time.Minute, WithClock(clock.Now))

	incr := func(cur int, present bool) int {
		if !present {
			return 1
		}
		return cur + 1
	}

	assert.Equal(1, c.Update("k", incr))
	assert.Equal(2, c.Update("k", incr))

	// the update itself restarts the window
	clock.Advance(45 * time.Second)
	assert.Equal(3, c.Update("k", incr))
	clock.Advance(45 * time.Second)
	assert.Equal(4, c.Update("k", incr))

	clock.Advance(2 * time.Minute)
	assert.Equal(1, c.Update("k", incr))
}

func TestCacheSweep(t *testing.T) {
	assert := assert.New(t)
	clock := newFakeClock()
	c := New[int, int](time.Minute, WithClock(clock.Now))

	for i := 0; i < 10; i++ {
		c.Set(i, i)
	}
	clock.Advance(30 * time.Second)
	for i := 0; i < 3; i++ {
		c.Set(i, i)
	}
	clock.Advance(45 * time.Second)

	assert.Equal(7, c.Sweep())
	assert.Equal(3, c.Len())
	assert.Equal(0, c.Sweep())
}

func TestCacheJanitor(t *testing.T) {
	c := New[string, int](10*time.Millisecond, WithSweepInterval(5*time.Millisecond))
	defer c.Close()

	c.Set("k", 1)
	assert.Eventually(t, func() bool {
		return c.Len() == 0
	}, time.Second, 5*time.Millisecond)

	// closing twice is safe
	c.Close()
}

func TestCacheConcurrentUpdate(t *testing.T) {
	c := New[string, int](time.Minute)

	var wg sync.WaitGroup
	var calls atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Update("shared", func(cur int, _ bool) int {
					calls.Add(1)
					return cur + 1
				})
				c.Update("other", func(cur int, _ bool) int {
					return cur + 1
				})
			}
		}()
	}
	wg.Wait()

	v, ok := c.Get("shared")
	assert.True(t, ok)
	assert.Equal(t, 4000, v)
	assert.Equal(t, int64(4000), calls.Load())
	v, _ = c.Get("other")
	assert.Equal(t, 4000, v)
}
