package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Dzaakk/quotagate/internal/keys"
)

const keyColumns = `id, key, name, per_minute, per_day, active, created_at`

// KeyStore is the persistent key directory.
type KeyStore struct {
	db *sql.DB
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(r rowScanner) (keys.APIKey, error) {
	var (
		k       keys.APIKey
		active  int
		created int64
	)
	if err := r.Scan(&k.ID, &k.Key, &k.Name, &k.PerMinute, &k.PerDay, &active, &created); err != nil {
		return keys.APIKey{}, err
	}
	k.Active = active != 0
	k.CreatedAt = fromMillis(created)
	return k, nil
}

func (s *KeyStore) FindActive(ctx context.Context, key string) (keys.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key = ? AND active = 1`, key)

	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return keys.APIKey{}, keys.ErrNotFound
	}
	if err != nil {
		return keys.APIKey{}, fmt.Errorf("sqlite find key error: %w", err)
	}
	return k, nil
}

func (s *KeyStore) Create(ctx context.Context, k keys.APIKey) error {
	if err := k.Validate(); err != nil {
		return err
	}
	if k.ID == "" {
		k.ID = k.Key
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.Key, k.Name, k.PerMinute, k.PerDay, boolToInt(k.Active), toMillis(k.CreatedAt),
	)
	if isUniqueViolation(err) {
		return keys.ErrDuplicateKey
	}
	if err != nil {
		return fmt.Errorf("sqlite create key error: %w", err)
	}
	return nil
}

func (s *KeyStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("sqlite update key error: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return keys.ErrNotFound
	}
	return nil
}

// Delete removes the key row and returns what was removed.
func (s *KeyStore) Delete(ctx context.Context, id string) (keys.APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`DELETE FROM api_keys WHERE id = ? RETURNING `+keyColumns, id)

	k, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return keys.APIKey{}, keys.ErrNotFound
	}
	if err != nil {
		return keys.APIKey{}, fmt.Errorf("sqlite delete key error: %w", err)
	}
	return k, nil
}

func (s *KeyStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count keys error: %w", err)
	}
	return n, nil
}

// List returns all keys, newest first.
func (s *KeyStore) List(ctx context.Context) ([]keys.APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite list keys error: %w", err)
	}
	defer rows.Close()

	var out []keys.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite scan key error: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DeleteKey removes a key together with its counters and access logs.
func (d *DB) DeleteKey(ctx context.Context, id string) (keys.APIKey, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return keys.APIKey{}, fmt.Errorf("sqlite begin error: %w", err)
	}
	defer tx.Rollback()

	k, err := scanKey(tx.QueryRowContext(ctx, `DELETE FROM api_keys WHERE id = ? RETURNING `+keyColumns, id))
	if errors.Is(err, sql.ErrNoRows) {
		return keys.APIKey{}, keys.ErrNotFound
	}
	if err != nil {
		return keys.APIKey{}, fmt.Errorf("sqlite delete key error: %w", err)
	}

	if err := (&CounterStore{db: tx}).DeleteForKey(ctx, k.Key); err != nil {
		return keys.APIKey{}, err
	}
	if err := (&AuditStore{db: tx}).DeleteForKey(ctx, k.Key); err != nil {
		return keys.APIKey{}, err
	}

	if err := tx.Commit(); err != nil {
		return keys.APIKey{}, fmt.Errorf("sqlite commit error: %w", err)
	}
	return k, nil
}
