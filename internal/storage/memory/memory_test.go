package memory

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Dzaakk/quotagate/internal/window"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoryStoreIncrementAndGet(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)}
	s := NewMemoryStore(WithClock(clock.Now), WithCleanupInterval(0))
	defer s.Close()

	ctx := context.Background()
	key := window.Key{APIKey: "ak_foo", Kind: window.Minute, WindowID: "20240309-1405"}
	expiry := clock.Now().Add(100 * time.Millisecond)

	counter, err := s.IncrementAndGet(ctx, key, expiry)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counter != 1 {
		t.Fatalf("expected 1 got %d", counter)
	}

	// A later expiry must not extend the existing record.
	counter2, _ := s.IncrementAndGet(ctx, key, expiry.Add(time.Hour))
	if counter2 != 2 {
		t.Fatalf("expected 2 got %d", counter2)
	}

	clock.Advance(150 * time.Millisecond)
	counter3, _ := s.Get(ctx, key)
	if counter3 != 0 {
		t.Fatalf("expected 0 after expiry got %d", counter3)
	}

	counter4, _ := s.IncrementAndGet(ctx, key, clock.Now().Add(time.Minute))
	if counter4 != 1 {
		t.Fatalf("expected expired record to restart at 1, got %d", counter4)
	}
}

func TestMemoryStoreKeysAreIndependent(t *testing.T) {
	s := NewMemoryStore(WithCleanupInterval(0))
	defer s.Close()

	ctx := context.Background()
	exp := time.Now().Add(time.Minute)
	minute := window.Key{APIKey: "ak_a", Kind: window.Minute, WindowID: "20240309-1405"}
	day := window.Key{APIKey: "ak_a", Kind: window.Day, WindowID: "20240309"}
	other := window.Key{APIKey: "ak_b", Kind: window.Minute, WindowID: "20240309-1405"}

	s.IncrementAndGet(ctx, minute, exp)
	s.IncrementAndGet(ctx, minute, exp)
	s.IncrementAndGet(ctx, day, exp)

	if n, _ := s.Get(ctx, minute); n != 2 {
		t.Fatalf("expected minute 2 got %d", n)
	}
	if n, _ := s.Get(ctx, day); n != 1 {
		t.Fatalf("expected day 1 got %d", n)
	}
	if n, _ := s.Get(ctx, other); n != 0 {
		t.Fatalf("expected untouched key 0 got %d", n)
	}
}

func TestMemoryStoreConcurrency(t *testing.T) {
	s := NewMemoryStore(WithCleanupInterval(0))
	defer s.Close()

	ctx := context.Background()
	key := window.Key{APIKey: "concurrent", Kind: window.Minute, WindowID: "1"}
	exp := time.Now().Add(time.Minute)

	var wg sync.WaitGroup
	N := 100
	results := make(chan int64, N)
	wg.Add(N)

	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			n, _ := s.IncrementAndGet(ctx, key, exp)
			results <- n
		}()
	}
	wg.Wait()
	close(results)

	got := make([]int, 0, N)
	for n := range results {
		got = append(got, int(n))
	}
	sort.Ints(got)
	for i, n := range got {
		if n != i+1 {
			t.Fatalf("expected counts 1..%d without gaps or repeats, got %v", N, got)
		}
	}
}

func TestMemoryStorePurgeExpired(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)}
	s := NewMemoryStore(WithClock(clock.Now), WithCleanupInterval(0))
	defer s.Close()

	ctx := context.Background()
	s.IncrementAndGet(ctx, window.Key{APIKey: "a", Kind: window.Minute, WindowID: "1"}, clock.Now().Add(time.Minute))
	s.IncrementAndGet(ctx, window.Key{APIKey: "a", Kind: window.Day, WindowID: "1"}, clock.Now().Add(time.Hour))

	n, err := s.PurgeExpired(ctx, clock.Now().Add(2*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 || s.Len() != 1 {
		t.Fatalf("expected 1 purged and 1 left, got %d purged %d left", n, s.Len())
	}
}

func TestMemoryStoreDeleteForKey(t *testing.T) {
	s := NewMemoryStore(WithCleanupInterval(0))
	defer s.Close()

	ctx := context.Background()
	exp := time.Now().Add(time.Minute)
	s.IncrementAndGet(ctx, window.Key{APIKey: "gone", Kind: window.Minute, WindowID: "1"}, exp)
	s.IncrementAndGet(ctx, window.Key{APIKey: "gone", Kind: window.Day, WindowID: "1"}, exp)
	s.IncrementAndGet(ctx, window.Key{APIKey: "kept", Kind: window.Day, WindowID: "1"}, exp)

	if err := s.DeleteForKey(ctx, "gone"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 record left got %d", s.Len())
	}
}

func TestMemoryStoreCleanupLoop(t *testing.T) {
	s := NewMemoryStore(WithCleanupInterval(10 * time.Millisecond))
	defer s.Close()

	s.IncrementAndGet(context.Background(), window.Key{APIKey: "a", Kind: window.Minute, WindowID: "1"}, time.Now().Add(5*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected cleanup loop to reclaim expired entry")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
