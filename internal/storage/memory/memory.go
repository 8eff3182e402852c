package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Dzaakk/quotagate/internal/window"
)

type Entry struct {
	Count  int64
	Expiry time.Time
}

// MemoryStore is a process-local counter store. It is correct only when a single
// instance serves all traffic for a key.
type MemoryStore struct {
	mu sync.Mutex
	m  map[window.Key]*Entry

	now      func() time.Time
	interval time.Duration
	stop     chan struct{}
	once     sync.Once
}

type Option func(*MemoryStore)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// WithCleanupInterval sets how often expired entries are reclaimed. Zero disables the loop.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *MemoryStore) { s.interval = d }
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		m:        map[window.Key]*Entry{},
		now:      time.Now,
		interval: 30 * time.Second,
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.interval > 0 {
		go s.cleanupLoop()
	}

	return s
}

func (s *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.PurgeExpired(context.Background(), s.now())
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) IncrementAndGet(_ context.Context, key window.Key, expiresAt time.Time) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[key]
	if !ok || e == nil || !e.Expiry.After(now) { //create new entry
		e = &Entry{Count: 1, Expiry: expiresAt}
		s.m[key] = e

		return 1, nil
	}

	e.Count++
	return e.Count, nil
}

func (s *MemoryStore) Get(_ context.Context, key window.Key) (int64, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.m[key]
	if !ok || e == nil || !e.Expiry.After(now) {
		return 0, nil
	}

	return e.Count, nil
}

func (s *MemoryStore) PurgeExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, e := range s.m {
		if e == nil || !e.Expiry.After(before) {
			delete(s.m, k)
			n++
		}
	}
	return n, nil
}

// DeleteForKey drops every counter belonging to apiKey.
func (s *MemoryStore) DeleteForKey(_ context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.m {
		if k.APIKey == apiKey {
			delete(s.m, k)
		}
	}
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
