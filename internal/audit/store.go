// Package audit keeps a bounded in-memory trail of automated moderation decisions.
package audit

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"warden/internal/model"
)

// Store is a fixed-size ring; once full, each Add overwrites the oldest entry.
type Store struct {
	mu      sync.RWMutex
	buf     []model.AuditEntry
	next    int
	full    bool
	entropy *ulid.MonotonicEntropy
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{
		buf:     make([]model.AuditEntry, limit),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Persister keeps entries past the life of the ring. storage.Store satisfies it.
type Persister interface {
	SaveAudit(ctx context.Context, entry model.AuditEntry) error
}

// Record adds entry and then hands the stamped copy to p, if any. The entry is
// kept in memory even when persisting fails.
func (s *Store) Record(ctx context.Context, p Persister, entry model.AuditEntry) (model.AuditEntry, error) {
	entry = s.Add(entry)
	if p == nil {
		return entry, nil
	}
	return entry, p.SaveAudit(ctx, entry)
}

// Add stamps the entry with an ID and timestamp when missing, stores it and
// returns the stored copy.
func (s *Store) Add(entry model.AuditEntry) model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ulid.MustNew(ulid.Timestamp(entry.Timestamp), s.entropy).String()
	}
	s.buf[s.next] = entry
	s.next = (s.next + 1) % len(s.buf)
	if s.next == 0 {
		s.full = true
	}
	return entry
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lenLocked()
}

// List returns up to limit of the most recent entries, oldest first.
func (s *Store) List(limit int) []model.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.ordered()
	if limit <= 0 || limit > len(all) {
		return all
	}
	return all[len(all)-limit:]
}

func (s *Store) Since(ts time.Time) []model.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AuditEntry, 0)
	for _, e := range s.ordered() {
		if !e.Timestamp.Before(ts) {
			out = append(out, e)
		}
	}
	return out
}

// ForGuild filters the trail to one guild and, when kind is set, one kind.
func (s *Store) ForGuild(guildID string, kind model.AuditKind) []model.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AuditEntry, 0)
	for _, e := range s.ordered() {
		if e.GuildID != guildID {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = make([]model.AuditEntry, len(s.buf))
	s.next = 0
	s.full = false
}

func (s *Store) lenLocked() int {
	if s.full {
		return len(s.buf)
	}
	return s.next
}

func (s *Store) ordered() []model.AuditEntry {
	n := s.lenLocked()
	out := make([]model.AuditEntry, 0, n)
	if s.full {
		out = append(out, s.buf[s.next:]...)
		out = append(out, s.buf[:s.next]...)
		return out
	}
	return append(out, s.buf[:s.next]...)
}
