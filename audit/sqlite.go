package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/collabmesh/core"
)

// SQLiteStore is a durable AuditStore backed by a single SQLite database
// file. WAL mode is enabled for concurrent reads. The rowid preserves
// append order within and across sessions.
type SQLiteStore struct {
	conn *sql.DB
	path string
	mu   sync.Mutex
}

// NewSQLiteStore opens (or creates) the database at the given path, creating
// parent directories as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS activity (
			id         TEXT NOT NULL,
			session_id TEXT NOT NULL,
			space_id   TEXT NOT NULL DEFAULT '',
			actor      TEXT NOT NULL,
			action     TEXT NOT NULL,
			details    TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_activity_session ON activity(session_id);
		CREATE INDEX IF NOT EXISTS idx_activity_space ON activity(space_id);
	`
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{conn: conn, path: path}, nil
}

// Append inserts a record.
func (s *SQLiteStore) Append(ctx context.Context, rec core.ActivityRecord) error {
	details, err := json.Marshal(rec.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO activity (id, session_id, space_id, actor, action, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.SpaceID, rec.Actor, rec.Action, string(details),
		rec.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// List returns all records of a session in append order.
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]core.ActivityRecord, error) {
	return s.query(ctx, `SELECT id, session_id, space_id, actor, action, details, created_at
		FROM activity WHERE session_id = ? ORDER BY rowid`, sessionID)
}

// ListBySpace returns all records of a space in append order.
func (s *SQLiteStore) ListBySpace(ctx context.Context, spaceID string) ([]core.ActivityRecord, error) {
	return s.query(ctx, `SELECT id, session_id, space_id, actor, action, details, created_at
		FROM activity WHERE space_id = ? ORDER BY rowid`, spaceID)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) query(ctx context.Context, q, arg string) ([]core.ActivityRecord, error) {
	rows, err := s.conn.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, fmt.Errorf("query activity: %w", err)
	}
	defer rows.Close()

	var res []core.ActivityRecord
	for rows.Next() {
		var rec core.ActivityRecord
		var details, createdAt string
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.SpaceID, &rec.Actor, &rec.Action, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if details != "" && details != "null" {
			if err := json.Unmarshal([]byte(details), &rec.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		rec.Timestamp = ts
		res = append(res, rec)
	}
	return res, rows.Err()
}
