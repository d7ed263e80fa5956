// Package hipaa persists the PHI access log: one row per request that read
// or wrote patient data through the app.
package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/smartvitals/internal/platform/middleware"
)

// MigrationAccessLog creates the phi_access_log table.
const MigrationAccessLog = `
CREATE TABLE IF NOT EXISTS phi_access_log (
    id            BIGSERIAL PRIMARY KEY,
    patient_id    TEXT        NOT NULL DEFAULT '',
    accessed_by   TEXT        NOT NULL DEFAULT '',
    resource_type TEXT        NOT NULL,
    action        TEXT        NOT NULL,
    status_code   INTEGER     NOT NULL,
    ip_address    TEXT        NOT NULL DEFAULT '',
    user_agent    TEXT        NOT NULL DEFAULT '',
    session_id    TEXT        NOT NULL DEFAULT '',
    request_id    TEXT        NOT NULL DEFAULT '',
    method        TEXT        NOT NULL,
    path          TEXT        NOT NULL,
    accessed_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_phi_access_log_patient
    ON phi_access_log (patient_id, accessed_at);
`

// execer is the part of a pgx pool the logger uses.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// AccessLogger writes PHI access entries to PostgreSQL. It implements
// middleware.AuditRecorder.
type AccessLogger struct {
	db      execer
	timeout time.Duration
}

// NewAccessLogger creates a logger over any execer.
func NewAccessLogger(db execer) *AccessLogger {
	return &AccessLogger{db: db, timeout: 5 * time.Second}
}

// NewAccessLoggerFromPool creates a logger backed by a pgx pool.
func NewAccessLoggerFromPool(pool *pgxpool.Pool) *AccessLogger {
	return NewAccessLogger(&poolExecer{pool: pool})
}

// Migrate creates the access log table if needed.
func (a *AccessLogger) Migrate(ctx context.Context) error {
	if err := a.db.Exec(ctx, MigrationAccessLog); err != nil {
		return fmt.Errorf("migrate phi_access_log: %w", err)
	}
	return nil
}

// LogAccess inserts one entry.
func (a *AccessLogger) LogAccess(ctx context.Context, e middleware.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	const query = `
		INSERT INTO phi_access_log (
			patient_id, accessed_by, resource_type, action, status_code,
			ip_address, user_agent, session_id, request_id, method, path, accessed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	err := a.db.Exec(ctx, query,
		e.PatientID, e.UserID, e.ResourceType, e.Action, e.StatusCode,
		e.IPAddress, e.UserAgent, e.SessionID, e.RequestID, e.Method, e.Path, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("hipaa phi access: %w", err)
	}
	return nil
}

// RecordAccess implements middleware.AuditRecorder. The audit middleware
// runs after the response is written, so the entry gets its own deadline.
func (a *AccessLogger) RecordAccess(e middleware.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	return a.LogAccess(ctx, e)
}

type poolExecer struct {
	pool *pgxpool.Pool
}

func (p *poolExecer) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := p.pool.Exec(ctx, sql, args...)
	return err
}
