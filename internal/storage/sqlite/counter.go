package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Dzaakk/quotagate/internal/window"
)

// The upsert restarts an expired row in place; SET expressions read the old row.
const incrementSQL = `
INSERT INTO usage_windows (api_key, kind, window_id, count, expires_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT (api_key, kind, window_id) DO UPDATE SET
	count = CASE WHEN usage_windows.expires_at <= ? THEN 1 ELSE usage_windows.count + 1 END,
	expires_at = CASE WHEN usage_windows.expires_at <= ? THEN excluded.expires_at ELSE usage_windows.expires_at END
RETURNING count`

type CounterStore struct {
	db  querier
	now func() time.Time
}

// WithClock returns a copy of the store that evaluates expiry against now.
func (s *CounterStore) WithClock(now func() time.Time) *CounterStore {
	return &CounterStore{db: s.db, now: now}
}

func (s *CounterStore) IncrementAndGet(ctx context.Context, key window.Key, expiresAt time.Time) (int64, error) {
	now := toMillis(s.now())

	var n int64
	err := s.db.QueryRowContext(ctx, incrementSQL,
		key.APIKey, string(key.Kind), key.WindowID, toMillis(expiresAt), now, now,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite increment error: %w", err)
	}
	return n, nil
}

func (s *CounterStore) Get(ctx context.Context, key window.Key) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM usage_windows WHERE api_key = ? AND kind = ? AND window_id = ? AND expires_at > ?`,
		key.APIKey, string(key.Kind), key.WindowID, toMillis(s.now()),
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite get error: %w", err)
	}
	return n, nil
}

func (s *CounterStore) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage_windows WHERE expires_at <= ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite purge error: %w", err)
	}
	return res.RowsAffected()
}

func (s *CounterStore) DeleteForKey(ctx context.Context, apiKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM usage_windows WHERE api_key = ?`, apiKey); err != nil {
		return fmt.Errorf("sqlite delete error: %w", err)
	}
	return nil
}
