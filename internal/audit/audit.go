// Package audit keeps the append-only trail of admission decisions.
package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrClosed = errors.New("audit recorder closed")

// Entry is one admission decision. Entries are never updated.
type Entry struct {
	ID          string    `json:"id"`
	APIKey      string    `json:"key"`
	Endpoint    string    `json:"endpoint"`
	Status      int       `json:"status"`
	MinuteCount int64     `json:"minuteCount"`
	DayCount    int64     `json:"dayCount"`
	Timestamp   time.Time `json:"timestamp"`
}

// Store persists entries.
type Store interface {
	Append(ctx context.Context, e Entry) error
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) PurgeBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var n int64
	for _, e := range s.entries {
		if e.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return n, nil
}

// Entries returns a copy of the stored entries ordered by timestamp.
func (s *MemoryStore) Entries() []Entry {
	s.mu.Lock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
