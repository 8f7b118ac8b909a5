// Package ttlcache is an in-memory key/value cache whose entries expire a fixed
// duration after their last write.
//
// Expired entries are treated as absent and purged lazily on read. An optional
// janitor goroutine sweeps the whole map for memory hygiene when key cardinality
// is high. All operations are safe for concurrent use; Update gives atomic
// read-modify-write semantics for a single key.
package ttlcache

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type options struct {
	now           func() time.Time
	sweepInterval time.Duration
}

type Option func(*options)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithSweepInterval starts a janitor that purges expired entries every d.
// A non-positive interval disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		o.sweepInterval = d
	}
}

type Cache[K comparable, V any] struct {
	ttl   time.Duration
	now   func() time.Time
	items *xsync.MapOf[K, entry[V]]

	stop     chan struct{}
	stopOnce sync.Once
}

func New[K comparable, V any](ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache[K, V]{
		ttl:   ttl,
		now:   o.now,
		items: xsync.NewMapOf[K, entry[V]](),
		stop:  make(chan struct{}),
	}
	if o.sweepInterval > 0 {
		go c.janitor(o.sweepInterval)
	}
	return c
}

func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl
}

// Get returns the value for key if it is present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	var zero V
	e, ok := c.items.Load(key)
	if !ok {
		return zero, false
	}
	now := c.now()
	if !c.expired(e, now) {
		return e.value, true
	}
	// Only drop the entry if it is still the expired one; a concurrent Set may
	// have replaced it since the Load.
	c.items.Compute(key, func(old entry[V], loaded bool) (entry[V], bool) {
		return old, loaded && c.expired(old, now)
	})
	return zero, false
}

func (c *Cache[K, V]) Has(key K) bool {
	_, ok := c.Get(key)
	return ok
}

// Set stores value and restarts the key's TTL from now.
func (c *Cache[K, V]) Set(key K, value V) {
	c.items.Store(key, entry[V]{value: value, expiresAt: c.now().Add(c.ttl)})
}

func (c *Cache[K, V]) Delete(key K) {
	c.items.Delete(key)
}

// Update atomically replaces the value for key with fn(current, present), where
// present is false when the key is absent or expired. The write restarts the TTL.
// Other keys are not blocked while fn runs, except those sharing its hash bucket,
// so fn must be fast and must not call back into the cache.
func (c *Cache[K, V]) Update(key K, fn func(current V, present bool) V) V {
	now := c.now()
	updated, _ := c.items.Compute(key, func(old entry[V], loaded bool) (entry[V], bool) {
		cur, present := old.value, loaded && !c.expired(old, now)
		if !present {
			var zero V
			cur = zero
		}
		return entry[V]{value: fn(cur, present), expiresAt: now.Add(c.ttl)}, false
	})
	return updated.value
}

// Len counts entries including expired ones not yet purged.
func (c *Cache[K, V]) Len() int {
	return c.items.Size()
}

// Sweep purges every expired entry and reports how many were removed.
func (c *Cache[K, V]) Sweep() int {
	now := c.now()
	removed := 0
	c.items.Range(func(key K, e entry[V]) bool {
		if !c.expired(e, now) {
			return true
		}
		c.items.Compute(key, func(old entry[V], loaded bool) (entry[V], bool) {
			del := loaded && c.expired(old, now)
			if del {
				removed++
			}
			return old, del
		})
		return true
	})
	return removed
}

func (c *Cache[K, V]) Clear() {
	c.items.Clear()
}

// Close stops the janitor, if any. The cache stays usable afterwards.
func (c *Cache[K, V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Cache[K, V]) expired(e entry[V], now time.Time) bool {
	return !now.Before(e.expiresAt)
}

func (c *Cache[K, V]) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stop:
			return
		}
	}
}
