// Package store holds the canonical event list of the last successful
// refresh together with the UID snapshot used to detect added events.
package store

import (
	"sort"
	"sync"
	"time"

	"calbot/internal/model"
)

// Store is safe for concurrent use. Replace swaps events and snapshot in one
// step; readers never observe a mix of two passes.
type Store struct {
	mu       sync.RWMutex
	events   []model.Event
	snapshot map[string]struct{}
	loaded   bool
	loadedAt time.Time
}

func New() *Store {
	return &Store{snapshot: make(map[string]struct{})}
}

// Replace installs events as the canonical list and returns the events whose
// UID was absent from the previous snapshot. The first call never reports
// added events. events must be sorted by start, as ics.Normalize returns
// them; Upcoming scans a prefix and gives wrong results otherwise.
func (s *Store) Replace(events []model.Event, now time.Time) []model.Event {
	next := make(map[string]struct{}, len(events))
	for _, ev := range events {
		next[ev.UID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var added []model.Event
	if s.loaded {
		for _, ev := range events {
			if _, ok := s.snapshot[ev.UID]; !ok {
				added = append(added, ev)
			}
		}
	}

	s.events = events
	s.snapshot = next
	s.loaded = true
	s.loadedAt = now
	return added
}

// Events returns the canonical list. Callers must not modify it.
func (s *Store) Events() []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.events
}

// Upcoming returns at most limit events with start >= now, in order.
func (s *Store) Upcoming(now time.Time, limit int) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		return nil
	}
	i := sort.Search(len(s.events), func(i int) bool {
		return !s.events[i].Start.Before(now)
	})
	end := i + limit
	if end > len(s.events) {
		end = len(s.events)
	}
	out := make([]model.Event, end-i)
	copy(out, s.events[i:end])
	return out
}

// Status reports whether a refresh has succeeded yet, and when.
func (s *Store) Status() (loaded bool, at time.Time, count int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loaded, s.loadedAt, len(s.events)
}
