package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Dzaakk/quotagate/config"
	"github.com/Dzaakk/quotagate/internal/audit"
	"github.com/Dzaakk/quotagate/internal/events"
	"github.com/Dzaakk/quotagate/internal/keys"
	"github.com/Dzaakk/quotagate/internal/limiter"
	"github.com/Dzaakk/quotagate/internal/metrics"
	"github.com/Dzaakk/quotagate/internal/retention"
	"github.com/Dzaakk/quotagate/internal/storage/memory"
	"github.com/Dzaakk/quotagate/internal/storage/redis"
	"github.com/Dzaakk/quotagate/internal/storage/sqlite"
)

// counterStore is what the service needs from any counter backend.
type counterStore interface {
	limiter.Counter
	retention.CounterPurger
	DeleteForKey(ctx context.Context, apiKey string) error
}

type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	db      *sqlite.DB
	rdb     *goredis.Client
	counter counterStore

	dir     limiter.KeyDirectory
	fileDir *keys.FileDirectory

	auditStore audit.Store
	recorder   *audit.Recorder

	hub   *events.Hub
	relay *events.RedisRelay

	gate      *limiter.Gate
	retention *retention.Scheduler

	closers []func() error
}

// buildApp opens every backend the configuration selects and wires the gate.
func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	if cfg.UsesSQLite() {
		logger.Info("opening sqlite database", "path", cfg.Storage.SQLite.Path)
		a.db, err = sqlite.Open(sqlite.Config{Path: cfg.Storage.SQLite.Path, BusyTimeout: cfg.Storage.SQLite.BusyTimeout})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.db.Close)
	}

	if cfg.Storage.Type == "redis" || cfg.Events.Relay {
		logger.Info("connecting to Redis", "addr", cfg.Storage.Redis.Addr)
		a.rdb, err = redis.Connect(ctx, redis.Config{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("successfully connected to Redis")
		a.closers = append(a.closers, a.rdb.Close)
	}

	a.counter = a.initStorage()

	if err := a.initKeys(ctx); err != nil {
		return nil, err
	}

	a.initAudit()
	a.initEvents()

	var broadcaster limiter.Broadcaster = a.hub
	if a.relay != nil {
		broadcaster = a.relay
	}
	opts := limiter.Options{
		Timeout: cfg.Storage.Timeout,
		Events:  broadcaster,
		Metrics: a.metrics,
		Logger:  logger,
	}
	if a.recorder != nil {
		opts.Audit = a.recorder
	}
	a.gate, err = limiter.NewGate(a.dir, a.counter, opts)
	if err != nil {
		return nil, err
	}

	var auditPurger retention.AuditPurger
	if a.auditStore != nil {
		auditPurger = a.auditStore
	}
	a.retention = retention.NewScheduler(retention.Config{
		Schedule:    cfg.Retention.Schedule,
		AuditMaxAge: cfg.Retention.AuditMaxAge,
	}, a.counter, auditPurger, a.metrics, logger)

	return a, nil
}

func (a *app) initStorage() counterStore {
	switch a.cfg.Storage.Type {
	case "redis":
		a.logger.Info("using redis storage")
		return redis.NewRedisStore(a.rdb)
	case "sqlite":
		a.logger.Info("using sqlite storage")
		return a.db.Counters()
	default:
		a.logger.Info("using in-memory storage")
		s := memory.NewMemoryStore()
		a.closers = append(a.closers, s.Close)
		return s
	}
}

func (a *app) initKeys(ctx context.Context) error {
	var writer keys.Writer

	switch a.cfg.Keys.Source {
	case "file":
		d, err := keys.NewFileDirectory(a.cfg.Keys.File, a.logger)
		if err != nil {
			return err
		}
		a.dir, a.fileDir = d, d
	case "sqlite":
		ks := a.db.Keys()
		a.dir, writer = ks, ks
	default:
		md := keys.NewMemoryDirectory()
		a.dir, writer = md, md
	}

	if a.cfg.Keys.Seed && writer != nil {
		if _, err := keys.Seed(ctx, writer, a.cfg.Keys.Seeds, a.logger); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) initAudit() {
	if !a.cfg.Audit.Enabled {
		return
	}
	if a.db != nil {
		a.auditStore = a.db.Audit()
	} else {
		a.auditStore = audit.NewMemoryStore()
	}
	a.recorder = audit.NewRecorder(a.auditStore, audit.Config{
		Buffer:       a.cfg.Audit.Buffer,
		WriteTimeout: a.cfg.Audit.WriteTimeout,
		OnDrop:       a.metrics.AuditDropped,
	}, a.logger)
	// must drain before the database closes
	a.closers = append([]func() error{a.recorder.Close}, a.closers...)
}

func (a *app) initEvents() {
	a.hub = events.NewHub(a.cfg.Events.Buffer)
	a.hub.OnSubscribersChanged = a.metrics.SetSubscribers
	a.hub.OnDrop = a.metrics.EventDropped

	if a.cfg.Events.Relay {
		a.relay = events.NewRedisRelay(a.rdb, events.RelayConfig{
			Channel:        a.cfg.Events.Channel,
			PublishTimeout: a.cfg.Storage.Timeout,
			OnDrop:         a.metrics.EventDropped,
		}, a.hub, a.logger)
		// drains before the Redis client closes
		a.closers = append([]func() error{a.relay.Close}, a.closers...)
	}
}

func (a *app) close() error {
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func describeStores(cfg config.Config) string {
	return fmt.Sprintf("storage=%s keys=%s audit=%t relay=%t", cfg.Storage.Type, cfg.Keys.Source, cfg.Audit.Enabled, cfg.Events.Relay)
}
