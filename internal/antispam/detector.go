// Package antispam decides, per authored message, whether repeated content should
// be suppressed and whether its author should be temporarily restricted.
//
// Counters live in an expiring cache keyed by (scope, author, fingerprint). Every
// occurrence rewrites the entry and restarts its TTL, so a repetition only counts
// toward a threshold when it arrives within Window of the previous one.
package antispam

import (
	"errors"
	"fmt"
	"time"

	"warden/internal/fingerprint"
	"warden/internal/ttlcache"
)

var ErrInvalidInput = errors.New("antispam: invalid input")

type Settings struct {
	Window              time.Duration
	SuppressThreshold   int
	RestrictThreshold   int
	RestrictionDuration time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Window:              time.Minute,
		SuppressThreshold:   3,
		RestrictThreshold:   5,
		RestrictionDuration: time.Minute,
	}
}

func (s Settings) Validate() error {
	if s.Window <= 0 {
		return fmt.Errorf("window must be > 0")
	}
	if s.SuppressThreshold < 1 {
		return fmt.Errorf("suppress_threshold must be >= 1")
	}
	if s.RestrictThreshold < s.SuppressThreshold {
		return fmt.Errorf("restrict_threshold must be >= suppress_threshold")
	}
	if s.RestrictionDuration < 0 {
		return fmt.Errorf("restriction_duration must be >= 0")
	}
	return nil
}

type Key struct {
	Scope       string
	Author      string
	Fingerprint fingerprint.Fingerprint
}

// Entry is the repetition state for one key within the active window.
type Entry struct {
	Count       int
	Fingerprint fingerprint.Fingerprint
}

type Decision struct {
	SuppressContent bool
	RestrictAuthor  bool
	Occurrences     int
}

type Detector struct {
	settings Settings
	entries  *ttlcache.Cache[Key, Entry]
}

func NewDetector(settings Settings, opts ...ttlcache.Option) (*Detector, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("antispam settings: %w", err)
	}
	return &Detector{
		settings: settings,
		entries:  ttlcache.New[Key, Entry](settings.Window, opts...),
	}, nil
}

func (d *Detector) Settings() Settings {
	return d.settings
}

// Evaluate records one occurrence of content by authorID in scopeID and returns
// the resulting decision. It has no side effects beyond the counter update.
func (d *Detector) Evaluate(scopeID, authorID, content string) (Decision, error) {
	if scopeID == "" {
		return Decision{}, fmt.Errorf("%w: empty scope id", ErrInvalidInput)
	}
	if authorID == "" {
		return Decision{}, fmt.Errorf("%w: empty author id", ErrInvalidInput)
	}
	fp := fingerprint.Of(content)
	key := Key{Scope: scopeID, Author: authorID, Fingerprint: fp}

	entry := d.entries.Update(key, func(cur Entry, present bool) Entry {
		if !present {
			cur = Entry{}
		}
		return Entry{Count: cur.Count + 1, Fingerprint: fp}
	})
	return d.decide(entry.Count), nil
}

// Peek returns the live entry for a key without counting an occurrence.
func (d *Detector) Peek(scopeID, authorID, content string) (Entry, bool) {
	return d.entries.Get(Key{Scope: scopeID, Author: authorID, Fingerprint: fingerprint.Of(content)})
}

// Forget drops the counter for a key, e.g. after a moderator pardons a user.
func (d *Detector) Forget(scopeID, authorID, content string) {
	d.entries.Delete(Key{Scope: scopeID, Author: authorID, Fingerprint: fingerprint.Of(content)})
}

// Tracked counts live and not-yet-purged entries.
func (d *Detector) Tracked() int {
	return d.entries.Len()
}

func (d *Detector) Sweep() int {
	return d.entries.Sweep()
}

func (d *Detector) Reset() {
	d.entries.Clear()
}

func (d *Detector) Close() {
	d.entries.Close()
}

func (d *Detector) decide(count int) Decision {
	suppress := count >= d.settings.SuppressThreshold
	return Decision{
		SuppressContent: suppress,
		RestrictAuthor:  suppress && count >= d.settings.RestrictThreshold,
		Occurrences:     count,
	}
}
