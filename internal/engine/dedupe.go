package engine

import (
	"time"

	"warden/internal/ttlcache"
)

// DedupeCache remembers event IDs for a TTL so redelivered events are dropped.
type DedupeCache struct {
	seen *ttlcache.Cache[string, struct{}]
}

func NewDedupeCache(ttl time.Duration, opts ...ttlcache.Option) *DedupeCache {
	return &DedupeCache{seen: ttlcache.New[string, struct{}](ttl, opts...)}
}

// Seen records key and reports whether it was already present.
func (d *DedupeCache) Seen(key string) bool {
	var present bool
	d.seen.Update(key, func(_ struct{}, ok bool) struct{} {
		present = ok
		return struct{}{}
	})
	return present
}

func (d *DedupeCache) TTL() time.Duration {
	return d.seen.TTL()
}

func (d *DedupeCache) Sweep() int {
	return d.seen.Sweep()
}
