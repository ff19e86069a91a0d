// Package history records terminal job outcomes. Delivery is
// fire-and-forget: a sink failure never affects the job's outcome.
package history

import (
	"sync"
	"time"
)

// Entry is the completion event emitted for every terminal transition.
type Entry struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Tank        int       `json:"tank"`
	Volume      float64   `json:"volume,omitempty"`
	Destination int       `json:"destination,omitempty"`
	Outcome     string    `json:"outcome"` // completed, failed, stopped
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	EndedAt     time.Time `json:"endedAt"`
	Duration    float64   `json:"durationSeconds"`
}

// Sink consumes terminal job entries. Implementations must not block
// the caller on I/O.
type Sink interface {
	Record(e Entry)
}

// Store keeps the most recent terminal entries in memory, newest
// first, bounded to a fixed capacity.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	limit   int
}

// NewStore creates a bounded in-memory history store.
func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 200
	}
	return &Store{limit: limit}
}

// Record prepends an entry, evicting the oldest past the limit.
func (s *Store) Record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append([]Entry{e}, s.entries...)
	if len(s.entries) > s.limit {
		s.entries = s.entries[:s.limit]
	}
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (s *Store) Recent(n int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.entries) {
		n = len(s.entries)
	}
	out := make([]Entry, n)
	copy(out, s.entries[:n])
	return out
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Fanout duplicates entries to multiple sinks.
type Fanout []Sink

// Record forwards the entry to every sink.
func (f Fanout) Record(e Entry) {
	for _, s := range f {
		s.Record(e)
	}
}
