package engine

import (
	"sync"
	"time"
)

// Cooldown limits how often an escalation may fire for the same key.
type Cooldown struct {
	mu   sync.Mutex
	now  func() time.Time
	last map[string]time.Time
}

func NewCooldown(now func() time.Time) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{now: now, last: make(map[string]time.Time)}
}

func (c *Cooldown) AllowKey(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	if len(c.last) > 10000 {
		c.compact(now, cooldown)
	}
	return true
}

func (c *Cooldown) compact(now time.Time, cooldown time.Duration) {
	for k, ts := range c.last {
		if now.Sub(ts) >= cooldown {
			delete(c.last, k)
		}
	}
}

func escalationKey(guildID, userID string) string {
	return "restrict|" + guildID + "|" + userID
}
