// Package store persists approval audit records in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cloudcodex/gateway/internal/domain"
)

// SQLiteStore implements the broker's audit sink using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the audit database and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection to avoid schema/data disappearing across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS approval_audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			thread_id TEXT,
			turn_id TEXT,
			action TEXT NOT NULL,
			command TEXT,
			changes TEXT,
			decision TEXT NOT NULL,
			approver TEXT NOT NULL,
			reason TEXT,
			auto_approved INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_audits_user ON approval_audits(user_id, ts)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// WriteAudit appends one audit record.
func (s *SQLiteStore) WriteAudit(ctx context.Context, rec *domain.AuditRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_audits
		 (ts, user_id, session_id, thread_id, turn_id, action, command, changes, decision, approver, reason, auto_approved)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC(), rec.UserID, rec.SessionID, rec.ThreadID, rec.TurnID,
		string(rec.Action), rec.Command, strings.Join(rec.Changes, "\n"),
		rec.Decision, rec.Approver, rec.Reason, boolToInt(rec.AutoApproved))
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// ListByUser returns a user's audit records in insertion order.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, user_id, session_id, thread_id, turn_id, action, command, changes, decision, approver, reason, auto_approved
		 FROM approval_audits WHERE user_id = ? ORDER BY id ASC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var ts time.Time
		var changes string
		var autoApproved int
		var action string
		if err := rows.Scan(&ts, &rec.UserID, &rec.SessionID, &rec.ThreadID, &rec.TurnID,
			&action, &rec.Command, &changes, &rec.Decision, &rec.Approver, &rec.Reason, &autoApproved); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		rec.Timestamp = ts
		rec.Action = domain.AuditAction(action)
		if changes != "" {
			rec.Changes = strings.Split(changes, "\n")
		}
		rec.AutoApproved = autoApproved != 0
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
