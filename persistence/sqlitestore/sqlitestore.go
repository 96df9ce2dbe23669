// Package sqlitestore provides SQLite-based persistence for the message journal.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bpowers/mcpd/persistence"
)

// SQLiteStore implements persistence.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite-based store at the given path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// one connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return store, nil
}

// initSchema creates the necessary tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS records (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL,
    direction   TEXT NOT NULL,
    kind        TEXT NOT NULL,
    method      TEXT NOT NULL DEFAULT '',
    request_id  TEXT NOT NULL DEFAULT '',
    event_id    INTEGER NOT NULL DEFAULT 0,
    payload     TEXT NOT NULL,
    timestamp   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_records_session ON records(session_id, id);

CREATE TABLE IF NOT EXISTS summaries (
    session_id  TEXT PRIMARY KEY,
    created_at  DATETIME NOT NULL,
    closed_at   DATETIME,
    data        TEXT NOT NULL
);
`
	_, err := s.db.Exec(schema)
	return err
}

// AddRecord implements persistence.Store.
func (s *SQLiteStore) AddRecord(ctx context.Context, sessionID string, record persistence.Record) (int64, error) {
	payload := string(record.Payload)
	if payload == "" {
		payload = "null"
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO records (session_id, direction, kind, method, request_id, event_id, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, string(record.Direction), record.Kind, record.Method, record.RequestID, int64(record.EventID), payload, record.Timestamp,
	)
	if err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get insert id: %w", err)
	}

	return id, nil
}

// GetAllRecords implements persistence.Store.
func (s *SQLiteStore) GetAllRecords(ctx context.Context, sessionID string) ([]persistence.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, direction, kind, method, request_id, event_id, payload, timestamp FROM records WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []persistence.Record
	for rows.Next() {
		var r persistence.Record
		var direction, payload string
		var eventID int64
		if err := rows.Scan(&r.ID, &direction, &r.Kind, &r.Method, &r.RequestID, &eventID, &payload, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		r.Direction = persistence.Direction(direction)
		r.EventID = uint64(eventID)
		r.Payload = json.RawMessage(payload)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	return records, nil
}

// SaveSummary implements persistence.Store.
func (s *SQLiteStore) SaveSummary(ctx context.Context, sessionID string, summary persistence.SessionSummary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	var closedAt *time.Time
	if !summary.ClosedAt.IsZero() {
		closedAt = &summary.ClosedAt
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO summaries (session_id, created_at, closed_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			created_at = excluded.created_at,
			closed_at = excluded.closed_at,
			data = excluded.data`,
		sessionID, summary.CreatedAt, closedAt, string(data),
	)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// LoadSummary implements persistence.Store.
func (s *SQLiteStore) LoadSummary(ctx context.Context, sessionID string) (persistence.SessionSummary, error) {
	var summary persistence.SessionSummary
	var data string

	err := s.db.QueryRowContext(ctx, `SELECT data FROM summaries WHERE session_id = ?`, sessionID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return summary, nil
		}
		return summary, fmt.Errorf("load summary: %w", err)
	}

	if err := json.Unmarshal([]byte(data), &summary); err != nil {
		return summary, fmt.Errorf("decode summary: %w", err)
	}
	return summary, nil
}

// ListSessions implements persistence.Store.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id FROM records UNION SELECT session_id FROM summaries ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sessionID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return sessions, nil
}

// DeleteSession implements persistence.Store.
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM summaries WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete summary: %w", err)
	}

	return tx.Commit()
}

// Close implements persistence.Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ persistence.Store = (*SQLiteStore)(nil)
