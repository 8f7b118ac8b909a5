package metrics

import (
	"sort"
	"sync"
	"time"

	"warden/internal/model"
)

// Store keeps the latest activity snapshot per guild and window. When more than
// limit guilds are tracked, the least recently updated one is dropped.
type Store struct {
	mu        sync.RWMutex
	byGuild   map[string]map[int]model.ActivityMetrics
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byGuild:   make(map[string]map[int]model.ActivityMetrics),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(guildID string, metrics []model.ActivityMetrics) {
	if guildID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byGuild[guildID]
	if !ok {
		m = make(map[int]model.ActivityMetrics)
		s.byGuild[guildID] = m
	}
	for _, am := range metrics {
		m[am.WindowSec] = am
	}
	s.updatedAt[guildID] = time.Now().UTC()
	if len(s.byGuild) > s.limit {
		s.evictOldest()
	}
}

// Get returns the guild's snapshots ordered by window size.
func (s *Store) Get(guildID string) ([]model.ActivityMetrics, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byGuild[guildID]
	if !ok {
		return nil, time.Time{}, false
	}
	return sortedWindows(m), s.updatedAt[guildID], true
}

func (s *Store) GetAll() map[string][]model.ActivityMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]model.ActivityMetrics, len(s.byGuild))
	for guildID, m := range s.byGuild {
		out[guildID] = sortedWindows(m)
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byGuild)
}

func (s *Store) evictOldest() {
	var oldestGuild string
	var oldest time.Time
	for guild, ts := range s.updatedAt {
		if oldestGuild == "" || ts.Before(oldest) {
			oldestGuild = guild
			oldest = ts
		}
	}
	if oldestGuild != "" {
		delete(s.byGuild, oldestGuild)
		delete(s.updatedAt, oldestGuild)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byGuild = make(map[string]map[int]model.ActivityMetrics)
	s.updatedAt = make(map[string]time.Time)
}

func sortedWindows(m map[int]model.ActivityMetrics) []model.ActivityMetrics {
	out := make([]model.ActivityMetrics, 0, len(m))
	for _, am := range m {
		out = append(out, am)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowSec < out[j].WindowSec })
	return out
}
