package retention

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dzaakk/quotagate/internal/audit"
	"github.com/Dzaakk/quotagate/internal/metrics"
	"github.com/Dzaakk/quotagate/internal/storage/memory"
	"github.com/Dzaakk/quotagate/internal/window"
)

type failingPurger struct{}

func (failingPurger) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, errors.New("store down")
}

func TestScheduler_Start(t *testing.T) {
	tests := []struct {
		name        string
		schedule    string
		wantRunning bool
		wantError   bool
	}{
		{name: "every five minutes", schedule: "*/5 * * * *", wantRunning: true},
		{name: "descriptor", schedule: "@hourly", wantRunning: true},
		{name: "empty schedule - not running", schedule: ""},
		{name: "invalid schedule", schedule: "invalid cron", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(Config{Schedule: tt.schedule}, memory.NewMemoryStore(memory.WithCleanupInterval(0)), nil, nil, slog.New(slog.DiscardHandler))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			err := s.Start(ctx)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantRunning, s.IsRunning())

			if tt.wantRunning {
				assert.True(t, s.NextRun().After(time.Now()))
			}

			s.Stop()
			assert.False(t, s.IsRunning())
		})
	}
}

func TestScheduler_RunOnce(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)
	ctx := context.Background()

	counters := memory.NewMemoryStore(memory.WithCleanupInterval(0), memory.WithClock(func() time.Time { return now }))
	defer counters.Close()
	_, err := counters.IncrementAndGet(ctx, window.Key{APIKey: "a", Kind: window.Minute, WindowID: "1"}, now.Add(-time.Second))
	require.NoError(t, err)
	_, err = counters.IncrementAndGet(ctx, window.Key{APIKey: "a", Kind: window.Day, WindowID: "1"}, now.Add(time.Hour))
	require.NoError(t, err)

	logs := audit.NewMemoryStore()
	require.NoError(t, logs.Append(ctx, audit.Entry{ID: "old", Timestamp: now.Add(-48 * time.Hour)}))
	require.NoError(t, logs.Append(ctx, audit.Entry{ID: "new", Timestamp: now.Add(-time.Hour)}))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	s := NewScheduler(Config{AuditMaxAge: 24 * time.Hour}, counters, logs, m, nil)
	s.now = func() time.Time { return now }

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Counters: 1, Audit: 1}, res)
	assert.Equal(t, 1, counters.Len())
	require.Len(t, logs.Entries(), 1)
	assert.Equal(t, "new", logs.Entries()[0].ID)

	expected := `
		# HELP quotagate_retention_purged_total Records removed by the retention sweep
		# TYPE quotagate_retention_purged_total counter
		quotagate_retention_purged_total{kind="audit"} 1
		quotagate_retention_purged_total{kind="counters"} 1
	`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "quotagate_retention_purged_total"))
}

func TestScheduler_RunOnceKeepsAuditWithoutMaxAge(t *testing.T) {
	logs := audit.NewMemoryStore()
	require.NoError(t, logs.Append(context.Background(), audit.Entry{ID: "ancient", Timestamp: time.Unix(0, 0)}))

	s := NewScheduler(Config{}, nil, logs, nil, nil)
	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Audit)
	assert.Len(t, logs.Entries(), 1)
}

func TestScheduler_RunOnceError(t *testing.T) {
	s := NewScheduler(Config{}, failingPurger{}, nil, nil, nil)
	_, err := s.RunOnce(context.Background())
	assert.ErrorContains(t, err, "purge counters")
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	now := time.Now()
	counters := memory.NewMemoryStore(memory.WithCleanupInterval(0))
	defer counters.Close()
	_, err := counters.IncrementAndGet(context.Background(), window.Key{APIKey: "a", Kind: window.Minute, WindowID: "1"}, now.Add(10*time.Millisecond))
	require.NoError(t, err)

	s := NewScheduler(Config{Schedule: "@every 1s"}, counters, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	assert.Eventually(t, func() bool { return counters.Len() == 0 }, 5*time.Second, 50*time.Millisecond)

	cancel()
	assert.Eventually(t, func() bool { return !s.IsRunning() }, 2*time.Second, 10*time.Millisecond)
}
