// Package retention periodically removes expired window counters and aged
// audit entries.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Dzaakk/quotagate/internal/metrics"
)

// CounterPurger drops counters whose window expired at or before the given time.
type CounterPurger interface {
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// AuditPurger drops audit entries older than the given time.
type AuditPurger interface {
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// Schedule is a standard cron expression. Empty disables the scheduler.
	// Default: every five minutes
	Schedule string

	// AuditMaxAge is how long audit entries are kept. Zero keeps them forever.
	AuditMaxAge time.Duration
}

type Result struct {
	Counters int64
	Audit    int64
}

// Scheduler runs a sweep on a cron schedule.
type Scheduler struct {
	cfg      Config
	counters CounterPurger
	audit    AuditPurger
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// NewScheduler builds a scheduler. Either purger may be nil.
func NewScheduler(cfg Config, counters CounterPurger, audit AuditPurger, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		counters: counters,
		audit:    audit,
		metrics:  m,
		now:      time.Now,
		logger:   logger.With("component", "retention"),
		cron:     cron.New(),
	}
}

// Start schedules the sweep. It stops when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Schedule == "" {
		s.logger.Info("retention schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.cfg.Schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.cfg.Schedule, err)
	}

	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("scheduled retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention scheduler started",
		"schedule", s.cfg.Schedule,
		"audit_max_age", s.cfg.AuditMaxAge,
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// RunOnce performs a single sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	now := s.now()
	var res Result

	if s.counters != nil {
		n, err := s.counters.PurgeExpired(ctx, now)
		if err != nil {
			return res, fmt.Errorf("purge counters: %w", err)
		}
		res.Counters = n
		s.metrics.Purged("counters", n)
	}

	if s.audit != nil && s.cfg.AuditMaxAge > 0 {
		n, err := s.audit.PurgeBefore(ctx, now.Add(-s.cfg.AuditMaxAge))
		if err != nil {
			return res, fmt.Errorf("purge audit: %w", err)
		}
		res.Audit = n
		s.metrics.Purged("audit", n)
	}

	if res.Counters > 0 || res.Audit > 0 {
		s.logger.Info("retention sweep completed", "counters", res.Counters, "audit", res.Audit)
	} else {
		s.logger.Debug("retention sweep completed, nothing removed")
	}
	return res, nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("retention scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep, or the zero time when not scheduled.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
