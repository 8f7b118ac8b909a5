// Package reputation maintains a bounded per-member score that moderation
// decisions nudge up or down.
package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"warden/internal/storage"
)

// Store is the persistence the tracker needs. storage.Store satisfies it.
type Store interface {
	GetReputation(ctx context.Context, guildID, userID string) (float64, error)
	SetReputation(ctx context.Context, guildID, userID string, score float64) error
}

type Options struct {
	Min       float64
	Max       float64
	CacheTTL  time.Duration
	CacheSize int
}

func DefaultOptions() Options {
	return Options{Min: -5, Max: 5, CacheTTL: 15 * time.Minute, CacheSize: 10000}
}

type memberKey struct {
	guildID string
	userID  string
}

type Tracker struct {
	mu     sync.Mutex
	opts   Options
	cache  *expirable.LRU[memberKey, float64]
	store  Store
	logger *slog.Logger
}

// NewTracker returns a tracker backed by store. A nil store keeps scores in the
// cache only, so they reset when an entry expires.
func NewTracker(opts Options, store Store, logger *slog.Logger) *Tracker {
	if opts.Min >= opts.Max {
		opts.Min, opts.Max = DefaultOptions().Min, DefaultOptions().Max
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}
	return &Tracker{
		opts:   opts,
		cache:  expirable.NewLRU[memberKey, float64](opts.CacheSize, nil, opts.CacheTTL),
		store:  store,
		logger: logger,
	}
}

func (t *Tracker) Fetch(ctx context.Context, guildID, userID string) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fetchLocked(ctx, memberKey{guildID, userID})
}

// Modify adds delta to the member's score, clamps it to [Min, Max], persists it
// and returns the new value.
func (t *Tracker) Modify(ctx context.Context, guildID, userID string, delta float64) (float64, error) {
	key := memberKey{guildID, userID}
	t.mu.Lock()
	defer t.mu.Unlock()
	current, err := t.fetchLocked(ctx, key)
	if err != nil {
		return 0, err
	}
	next := t.clamp(current + delta)
	if t.store != nil {
		if err := t.store.SetReputation(ctx, guildID, userID, next); err != nil {
			return current, fmt.Errorf("save reputation %s/%s: %w", guildID, userID, err)
		}
	}
	t.cache.Add(key, next)
	if t.logger != nil {
		t.logger.Debug("reputation modified",
			"guild_id", guildID,
			"user_id", userID,
			"delta", delta,
			"score", next,
		)
	}
	return next, nil
}

func (t *Tracker) Bounds() (float64, float64) {
	return t.opts.Min, t.opts.Max
}

// Purge drops cached scores; persisted values are reloaded on next access.
func (t *Tracker) Purge() {
	t.cache.Purge()
}

func (t *Tracker) fetchLocked(ctx context.Context, key memberKey) (float64, error) {
	if v, ok := t.cache.Get(key); ok {
		return v, nil
	}
	score := 0.0
	if t.store != nil {
		v, err := t.store.GetReputation(ctx, key.guildID, key.userID)
		switch {
		case err == nil:
			score = t.clamp(v)
		case errors.Is(err, storage.ErrNotFound):
		default:
			return 0, fmt.Errorf("load reputation %s/%s: %w", key.guildID, key.userID, err)
		}
	}
	t.cache.Add(key, score)
	return score, nil
}

func (t *Tracker) clamp(v float64) float64 {
	if v < t.opts.Min {
		return t.opts.Min
	}
	if v > t.opts.Max {
		return t.opts.Max
	}
	return v
}
