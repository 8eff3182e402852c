// Package limiter decides whether a request carrying an API key is admitted
// under its per-minute and per-day quotas.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Dzaakk/quotagate/internal/audit"
	"github.com/Dzaakk/quotagate/internal/events"
	"github.com/Dzaakk/quotagate/internal/keys"
	"github.com/Dzaakk/quotagate/internal/metrics"
	"github.com/Dzaakk/quotagate/internal/window"
)

// ErrServiceUnavailable marks infrastructure failures. It is never returned for quota
// or credential denials, which are reported through Decision instead.
var ErrServiceUnavailable = errors.New("service unavailable")

// Counter is the shared counter store. IncrementAndGet must be a single atomic
// read-modify-write per key; expiresAt is applied only when the record is created.
type Counter interface {
	IncrementAndGet(ctx context.Context, key window.Key, expiresAt time.Time) (int64, error)
	Get(ctx context.Context, key window.Key) (int64, error)
}

type KeyDirectory interface {
	FindActive(ctx context.Context, key string) (keys.APIKey, error)
}

type AuditSink interface {
	Record(ctx context.Context, e audit.Entry) error
}

type Broadcaster interface {
	Publish(ctx context.Context, ev events.UsageEvent) error
}

type Reason string

const (
	ReasonNone                 Reason = ""
	ReasonMissingCredential    Reason = "missing_credential"
	ReasonInvalidOrInactiveKey Reason = "invalid_or_inactive_key"
	ReasonMinuteQuotaExceeded  Reason = "minute_quota_exceeded"
	ReasonDailyQuotaExceeded   Reason = "daily_quota_exceeded"
)

type Usage struct {
	Minute int64 `json:"minute"`
	Day    int64 `json:"day"`
}

type Request struct {
	Credential string
	Endpoint   string
}

type Decision struct {
	Allowed bool
	Reason  Reason
	// Key is zero unless the credential resolved to an active key.
	Key   keys.APIKey
	Usage Usage
	// Limit is the quota that was exceeded; zero unless Reason is a quota reason.
	Limit         int64
	MinuteResetAt time.Time
	DayResetAt    time.Time
	At            time.Time
}

func (d Decision) Status() int {
	switch d.Reason {
	case ReasonNone:
		return http.StatusOK
	case ReasonMinuteQuotaExceeded, ReasonDailyQuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

func (d Decision) outcome() string {
	if d.Allowed {
		return "allowed"
	}
	return "denied"
}

type Options struct {
	// Timeout bounds the key lookup and counter round trips of one request.
	// Default: 2 seconds
	Timeout time.Duration
	Now     func() time.Time
	Audit   AuditSink
	Events  Broadcaster
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Gate struct {
	dir     KeyDirectory
	counter Counter
	timeout time.Duration
	now     func() time.Time
	audit   AuditSink
	events  Broadcaster
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewGate(dir KeyDirectory, counter Counter, opts Options) (*Gate, error) {
	if dir == nil {
		return nil, fmt.Errorf("key directory is required")
	}
	if counter == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Gate{
		dir:     dir,
		counter: counter,
		timeout: opts.Timeout,
		now:     opts.Now,
		audit:   opts.Audit,
		events:  opts.Events,
		metrics: opts.Metrics,
		logger:  opts.Logger,
	}, nil
}

// Admit counts the request against both windows of its key and decides.
// Counters are incremented before the comparison, so the first request past a
// quota is itself counted and denied. A returned error always wraps
// ErrServiceUnavailable and carries no decision.
func (g *Gate) Admit(ctx context.Context, req Request) (Decision, error) {
	start := time.Now()

	credential := strings.TrimSpace(req.Credential)
	if credential == "" {
		d := Decision{Reason: ReasonMissingCredential, At: g.now()}
		g.metrics.ObserveDecision(d.outcome(), string(d.Reason), time.Since(start))
		return d, nil
	}

	opCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	key, err := g.dir.FindActive(opCtx, credential)
	if errors.Is(err, keys.ErrNotFound) {
		d := Decision{Reason: ReasonInvalidOrInactiveKey, At: g.now()}
		g.logger.Debug("rejected unknown or inactive key", "api_key", keys.Mask(credential), "path", req.Endpoint)
		g.metrics.ObserveDecision(d.outcome(), string(d.Reason), time.Since(start))
		return d, nil
	}
	if err != nil {
		g.metrics.StoreError("find_key")
		g.logger.Error("key directory error", "error", err, "api_key", keys.Mask(credential))
		return Decision{}, fmt.Errorf("%w: key lookup: %w", ErrServiceUnavailable, err)
	}

	now := g.now()
	minuteSpan, daySpan := window.Resolve(now)

	var usage Usage
	grp, grpCtx := errgroup.WithContext(opCtx)
	grp.Go(func() error {
		n, err := g.counter.IncrementAndGet(grpCtx, minuteSpan.Key(key.Key), minuteSpan.ExpiresAt)
		usage.Minute = n
		return err
	})
	grp.Go(func() error {
		n, err := g.counter.IncrementAndGet(grpCtx, daySpan.Key(key.Key), daySpan.ExpiresAt)
		usage.Day = n
		return err
	})
	if err := grp.Wait(); err != nil {
		g.metrics.StoreError("increment")
		g.logger.Error("counter store error", "error", err, "api_key", keys.Mask(key.Key))
		return Decision{}, fmt.Errorf("%w: increment counters: %w", ErrServiceUnavailable, err)
	}

	d := Decision{
		Key:           key,
		Usage:         usage,
		MinuteResetAt: window.ResetAt(window.Minute, now),
		DayResetAt:    window.ResetAt(window.Day, now),
		At:            now,
	}
	switch {
	case usage.Minute > key.PerMinute:
		d.Reason = ReasonMinuteQuotaExceeded
		d.Limit = key.PerMinute
	case usage.Day > key.PerDay:
		d.Reason = ReasonDailyQuotaExceeded
		d.Limit = key.PerDay
	default:
		d.Allowed = true
	}

	g.afterDecide(context.WithoutCancel(ctx), req, d)
	g.metrics.ObserveDecision(d.outcome(), string(d.Reason), time.Since(start))
	return d, nil
}

// afterDecide records and broadcasts a decision. Failures are logged only.
func (g *Gate) afterDecide(ctx context.Context, req Request, d Decision) {
	if g.audit != nil {
		err := g.audit.Record(ctx, audit.Entry{
			APIKey:      d.Key.Key,
			Endpoint:    req.Endpoint,
			Status:      d.Status(),
			MinuteCount: d.Usage.Minute,
			DayCount:    d.Usage.Day,
			Timestamp:   d.At,
		})
		if err != nil {
			g.logger.Warn("audit record failed", "error", err, "api_key", keys.Mask(d.Key.Key))
		}
	}

	if g.events != nil {
		err := g.events.Publish(ctx, events.UsageEvent{
			APIKey: d.Key.Key,
			KeyID:  d.Key.ID,
			Minute: d.Usage.Minute,
			Day:    d.Usage.Day,
		})
		if err != nil {
			g.logger.Warn("usage broadcast failed", "error", err, "api_key", keys.Mask(d.Key.Key))
		}
	}
}

// Usage reports the current counts for credential without counting a request.
// Unknown, inactive and empty credentials return keys.ErrNotFound.
func (g *Gate) Usage(ctx context.Context, credential string) (keys.APIKey, Usage, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return keys.APIKey{}, Usage{}, keys.ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	key, err := g.dir.FindActive(ctx, credential)
	if err != nil {
		if errors.Is(err, keys.ErrNotFound) {
			return keys.APIKey{}, Usage{}, err
		}
		return keys.APIKey{}, Usage{}, fmt.Errorf("%w: key lookup: %w", ErrServiceUnavailable, err)
	}

	minuteSpan, daySpan := window.Resolve(g.now())
	var u Usage
	if u.Minute, err = g.counter.Get(ctx, minuteSpan.Key(key.Key)); err != nil {
		return keys.APIKey{}, Usage{}, fmt.Errorf("%w: read minute counter: %w", ErrServiceUnavailable, err)
	}
	if u.Day, err = g.counter.Get(ctx, daySpan.Key(key.Key)); err != nil {
		return keys.APIKey{}, Usage{}, fmt.Errorf("%w: read day counter: %w", ErrServiceUnavailable, err)
	}
	return key, u, nil
}
