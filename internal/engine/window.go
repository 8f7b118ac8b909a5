package engine

import (
	"time"

	"warden/internal/model"
)

type outcome uint8

const (
	outcomePass outcome = iota
	outcomeSuppressed
	outcomeRestricted
)

type activityEntry struct {
	Timestamp time.Time
	AuthorID  string
	Outcome   outcome
}

// WindowState aggregates one guild's evaluated messages over a trailing window.
// Entries must be added in timestamp order.
type WindowState struct {
	duration     time.Duration
	events       []activityEntry
	head         int
	messages     int
	suppressed   int
	restricted   int
	authorCounts map[string]int
}

func NewWindowState(duration time.Duration) *WindowState {
	return &WindowState{
		duration:     duration,
		events:       make([]activityEntry, 0, 128),
		authorCounts: make(map[string]int),
	}
}

func (w *WindowState) Add(ev activityEntry) {
	w.events = append(w.events, ev)
	w.messages++
	switch ev.Outcome {
	case outcomeSuppressed:
		w.suppressed++
	case outcomeRestricted:
		w.suppressed++
		w.restricted++
	}
	if ev.AuthorID != "" {
		w.authorCounts[ev.AuthorID]++
	}
}

func (w *WindowState) Evict(cutoff time.Time) {
	for w.head < len(w.events) {
		ev := w.events[w.head]
		if !ev.Timestamp.Before(cutoff) {
			break
		}
		w.messages--
		switch ev.Outcome {
		case outcomeSuppressed:
			w.suppressed--
		case outcomeRestricted:
			w.suppressed--
			w.restricted--
		}
		if ev.AuthorID != "" {
			if count := w.authorCounts[ev.AuthorID]; count <= 1 {
				delete(w.authorCounts, ev.AuthorID)
			} else {
				w.authorCounts[ev.AuthorID] = count - 1
			}
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.events) {
		w.events = append([]activityEntry{}, w.events[w.head:]...)
		w.head = 0
	}
}

// Metrics reports message rate (MPS), suppression ratio (SR) and author
// diversity (AD, distinct authors per message).
func (w *WindowState) Metrics() model.ActivityMetrics {
	am := model.ActivityMetrics{
		WindowSec:  int(w.duration.Seconds()),
		Messages:   w.messages,
		Suppressed: w.suppressed,
		Restricted: w.restricted,
		Authors:    len(w.authorCounts),
	}
	if w.messages > 0 {
		am.MPS = float64(w.messages) / w.duration.Seconds()
		am.SR = float64(w.suppressed) / float64(w.messages)
		am.AD = float64(len(w.authorCounts)) / float64(w.messages)
	}
	return am
}
