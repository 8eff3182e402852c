package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorderWritesEntries(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, Config{Buffer: 16}, discardLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, r.Record(context.Background(), Entry{
			APIKey:      "ak_test",
			Endpoint:    "/protected",
			Status:      200,
			MinuteCount: int64(i + 1),
			DayCount:    int64(i + 1),
		}))
	}
	require.NoError(t, r.Close())

	entries := store.Entries()
	require.Len(t, entries, 5)
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.False(t, e.Timestamp.IsZero())
	}

	assert.ErrorIs(t, r.Record(context.Background(), Entry{}), ErrClosed)
	assert.NoError(t, r.Close())
}

type blockingStore struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (b *blockingStore) Append(ctx context.Context, _ Entry) error {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return nil
}

func (b *blockingStore) PurgeBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func TestRecorderDropsWhenFull(t *testing.T) {
	store := &blockingStore{release: make(chan struct{}), started: make(chan struct{})}
	var dropped atomic.Int64
	r := NewRecorder(store, Config{Buffer: 1, OnDrop: func() { dropped.Add(1) }}, discardLogger())

	// First entry occupies the worker, second fills the buffer.
	require.NoError(t, r.Record(context.Background(), Entry{Status: 200}))
	<-store.started
	require.NoError(t, r.Record(context.Background(), Entry{Status: 200}))

	err := r.Record(context.Background(), Entry{Status: 429})
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, int64(1), dropped.Load())

	close(store.release)
	require.NoError(t, r.Close())
}

type failingStore struct{ calls atomic.Int64 }

func (f *failingStore) Append(context.Context, Entry) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

func (f *failingStore) PurgeBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func TestRecorderSwallowsStoreErrors(t *testing.T) {
	store := &failingStore{}
	r := NewRecorder(store, Config{}, discardLogger())

	assert.NoError(t, r.Record(context.Background(), Entry{Status: 200}))
	require.NoError(t, r.Close())
	assert.Equal(t, int64(1), store.calls.Load())
}

func TestMemoryStorePurgeBefore(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, Entry{ID: "old", Timestamp: now.Add(-2 * time.Hour)}))
	require.NoError(t, s.Append(ctx, Entry{ID: "new", Timestamp: now}))

	n, err := s.PurgeBefore(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries := s.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].ID)
}
