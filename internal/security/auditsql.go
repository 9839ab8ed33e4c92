package security

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kcenon/ad-sdlc/internal/errs"
)

// SQLAuditLog is a SQLite-backed AuditLog, adapted from the teacher's
// internal/db package (Open + migrate + agent_audit_log table), trimmed to
// the single table the Security Gate needs. WAL mode is enabled exactly as
// the teacher's db.Open does, since the audit log is written from every
// dispatch path concurrently.
type SQLAuditLog struct {
	db *sql.DB
}

// OpenSQLAuditLog opens (creating if needed) a SQLite-backed audit log at path.
func OpenSQLAuditLog(path string) (*SQLAuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.KindIOError, "create audit db directory", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, "open audit db", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindIOError, "enable WAL", err)
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		correlation_id TEXT,
		event_type TEXT NOT NULL,
		actor TEXT,
		detail TEXT,
		outcome TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);
	CREATE INDEX IF NOT EXISTS idx_audit_log_event_type ON audit_log(event_type);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindIOError, "migrate audit db", err)
	}

	return &SQLAuditLog{db: db}, nil
}

// Append inserts a new audit entry.
func (a *SQLAuditLog) Append(entry AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := a.db.Exec(
		`INSERT INTO audit_log (id, correlation_id, event_type, actor, detail, outcome, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CorrelationID, string(entry.EventType), entry.Actor, entry.Detail, entry.Outcome, entry.CreatedAt,
	)
	if err != nil {
		return errs.Wrap(errs.KindIOError, "append audit entry", err)
	}
	return nil
}

// Recent returns the most recent entries, newest first.
func (a *SQLAuditLog) Recent(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(
		`SELECT id, correlation_id, event_type, actor, detail, outcome, created_at
		 FROM audit_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.KindIOError, "query audit log", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var eventType string
		if err := rows.Scan(&e.ID, &e.CorrelationID, &eventType, &e.Actor, &e.Detail, &e.Outcome, &e.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.KindIOError, "scan audit entry", err)
		}
		e.EventType = AuditEventType(eventType)
		out = append(out, e)
	}
	return out, nil
}

// Close releases the underlying database connection.
func (a *SQLAuditLog) Close() error {
	return a.db.Close()
}
