package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/Dzaakk/quotagate/internal/audit"
)

type AuditStore struct {
	db querier
}

func (s *AuditStore) Append(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO access_logs (id, api_key, endpoint, status, minute_count, day_count, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.APIKey, e.Endpoint, e.Status, e.MinuteCount, e.DayCount, toMillis(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("sqlite append audit error: %w", err)
	}
	return nil
}

func (s *AuditStore) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM access_logs WHERE timestamp < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("sqlite purge audit error: %w", err)
	}
	return res.RowsAffected()
}

func (s *AuditStore) DeleteForKey(ctx context.Context, apiKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM access_logs WHERE api_key = ?`, apiKey); err != nil {
		return fmt.Errorf("sqlite delete audit error: %w", err)
	}
	return nil
}

// ListForKey returns the newest entries for apiKey, at most limit of them.
func (s *AuditStore) ListForKey(ctx context.Context, apiKey string, limit int) ([]audit.Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, api_key, endpoint, status, minute_count, day_count, timestamp
		FROM access_logs WHERE api_key = ? ORDER BY timestamp DESC LIMIT ?`, apiKey, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite list audit error: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e  audit.Entry
			ts int64
		)
		if err := rows.Scan(&e.ID, &e.APIKey, &e.Endpoint, &e.Status, &e.MinuteCount, &e.DayCount, &ts); err != nil {
			return nil, fmt.Errorf("sqlite scan audit error: %w", err)
		}
		e.Timestamp = fromMillis(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
