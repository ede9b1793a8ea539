// Package errtrack keeps an in-process record of recent component errors for
// the monitoring API.
package errtrack

import (
	"sync"
	"time"
)

// Entry is one recorded error.
type Entry struct {
	Component string    `json:"component"`
	Message   string    `json:"message"`
	SignalID  string    `json:"signal_id,omitempty"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Tracker aggregates errors by (component, message) and caps retention.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
	max     int
	now     func() time.Time
}

// New creates a tracker retaining up to max distinct errors.
func New(max int) *Tracker {
	if max <= 0 {
		max = 100
	}
	return &Tracker{
		entries: make(map[string]*Entry),
		max:     max,
		now:     time.Now,
	}
}

// Record logs one error occurrence.
func (t *Tracker) Record(component, message, signalID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := component + "|" + message
	if e, ok := t.entries[key]; ok {
		e.Count++
		e.LastSeen = t.now()
		if signalID != "" {
			e.SignalID = signalID
		}
		return
	}

	if len(t.order) >= t.max {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
	}

	now := t.now()
	t.entries[key] = &Entry{
		Component: component,
		Message:   message,
		SignalID:  signalID,
		Count:     1,
		FirstSeen: now,
		LastSeen:  now,
	}
	t.order = append(t.order, key)
}

// RecordErr logs an error value, ignoring nil.
func (t *Tracker) RecordErr(component string, err error) {
	if err == nil {
		return
	}
	t.Record(component, err.Error(), "")
}

// Recent returns entries ordered most recently seen first.
func (t *Tracker) Recent() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastSeen.After(out[j-1].LastSeen); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Total returns the sum of all recorded occurrence counts.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, e := range t.entries {
		total += e.Count
	}
	return total
}
