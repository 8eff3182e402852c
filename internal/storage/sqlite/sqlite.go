// Package sqlite persists window counters, API keys and audit entries in a single
// SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_windows (
	api_key    TEXT    NOT NULL,
	kind       TEXT    NOT NULL,
	window_id  TEXT    NOT NULL,
	count      INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	PRIMARY KEY (api_key, kind, window_id)
);
CREATE INDEX IF NOT EXISTS idx_usage_windows_expires_at ON usage_windows(expires_at);

CREATE TABLE IF NOT EXISTS api_keys (
	id         TEXT    PRIMARY KEY,
	key        TEXT    NOT NULL UNIQUE,
	name       TEXT    NOT NULL,
	per_minute INTEGER NOT NULL,
	per_day    INTEGER NOT NULL,
	active     INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS access_logs (
	id           TEXT    PRIMARY KEY,
	api_key      TEXT    NOT NULL,
	endpoint     TEXT    NOT NULL,
	status       INTEGER NOT NULL,
	minute_count INTEGER NOT NULL,
	day_count    INTEGER NOT NULL,
	timestamp    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_access_logs_key_ts ON access_logs(api_key, timestamp);
CREATE INDEX IF NOT EXISTS idx_access_logs_ts ON access_logs(timestamp);
`

type Config struct {
	// Path is the database file.
	Path string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is an open database shared by the counter, key and audit stores.
type DB struct {
	db        *sql.DB
	closeOnce sync.Once
}

func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		cfg.Path, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db: db}, nil
}

func (d *DB) Counters() *CounterStore {
	return &CounterStore{db: d.db, now: time.Now}
}

func (d *DB) Keys() *KeyStore {
	return &KeyStore{db: d.db}
}

func (d *DB) Audit() *AuditStore {
	return &AuditStore{db: d.db}
}

func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() { err = d.db.Close() })
	return err
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
