package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MigrationSessionValues is the DDL for the session_values table. It is safe
// to execute repeatedly.
const MigrationSessionValues = `
CREATE TABLE IF NOT EXISTS session_values (
    session_id  TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       TEXT NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, key)
);

CREATE INDEX IF NOT EXISTS idx_session_values_expires_at
    ON session_values (expires_at);
`

// ---------------------------------------------------------------------------
// pgRow / pgConn abstractions (allow unit testing without a real DB)
// ---------------------------------------------------------------------------

type pgRow interface {
	Scan(dest ...any) error
}

type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) error
}

// PGStorage keeps session values in PostgreSQL. Every write slides the
// expiry of all rows of the session.
type PGStorage struct {
	db  pgConn
	ttl time.Duration
	now func() time.Time
}

// NewPGStorage creates a PG-backed storage over any pgConn.
func NewPGStorage(db pgConn, ttl time.Duration) *PGStorage {
	return &PGStorage{db: db, ttl: ttl, now: time.Now}
}

// NewPGStorageFromPool creates a PG-backed storage from a pgx pool.
func NewPGStorageFromPool(pool *pgxpool.Pool, ttl time.Duration) *PGStorage {
	return NewPGStorage(&pgxPoolWrapper{pool: pool}, ttl)
}

// Migrate creates the session_values table if needed.
func (s *PGStorage) Migrate(ctx context.Context) error {
	if err := s.db.Exec(ctx, MigrationSessionValues); err != nil {
		return fmt.Errorf("migrate session_values: %w", err)
	}
	return nil
}

func (s *PGStorage) Get(ctx context.Context, sid, key string) (string, error) {
	const query = `SELECT value FROM session_values
WHERE session_id = $1 AND key = $2 AND expires_at > $3`

	var v string
	if err := s.db.QueryRow(ctx, query, sid, key, s.now()).Scan(&v); err != nil {
		if isNoRows(err) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get session value %s: %w", key, err)
	}
	return v, nil
}

func (s *PGStorage) Set(ctx context.Context, sid, key, value string) error {
	expiresAt := s.now().Add(s.ttl)

	const upsert = `INSERT INTO session_values (session_id, key, value, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id, key) DO UPDATE SET value = EXCLUDED.value,
                                            expires_at = EXCLUDED.expires_at`
	if err := s.db.Exec(ctx, upsert, sid, key, value, expiresAt); err != nil {
		return fmt.Errorf("set session value %s: %w", key, err)
	}

	const touch = `UPDATE session_values SET expires_at = $2 WHERE session_id = $1`
	if err := s.db.Exec(ctx, touch, sid, expiresAt); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *PGStorage) Remove(ctx context.Context, sid, key string) error {
	const query = `DELETE FROM session_values WHERE session_id = $1 AND key = $2`
	if err := s.db.Exec(ctx, query, sid, key); err != nil {
		return fmt.Errorf("remove session value %s: %w", key, err)
	}
	return nil
}

func (s *PGStorage) Clear(ctx context.Context, sid string) error {
	const query = `DELETE FROM session_values WHERE session_id = $1`
	if err := s.db.Exec(ctx, query, sid); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}

// Cleanup deletes expired rows.
func (s *PGStorage) Cleanup(ctx context.Context) error {
	const query = `DELETE FROM session_values WHERE expires_at <= $1`
	if err := s.db.Exec(ctx, query, s.now()); err != nil {
		return fmt.Errorf("cleanup sessions: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "no rows")
}

// pgxPoolWrapper adapts *pgxpool.Pool to pgConn; the pool's Exec also
// returns a command tag.
type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := w.pool.Exec(ctx, sql, args...)
	return err
}
