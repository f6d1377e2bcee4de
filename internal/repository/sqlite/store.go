package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jaakkos/mcpfleet/internal/app"
	"github.com/jaakkos/mcpfleet/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	type TEXT NOT NULL,
	server TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER NOT NULL DEFAULT 0,
	signal TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	tool TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL
);
`

const indexes = `
CREATE INDEX IF NOT EXISTS idx_events_server ON events(server, id);
`

// Store is a SQLite-backed event journal.
type Store struct {
	db *sql.DB
}

// New opens the SQLite database at path (creating parent dirs and schema) and returns an EventRepository.
func New(path string) (app.EventRepository, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite indexes: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Append implements app.EventRepository.
func (s *Store) Append(ev domain.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.Exec(
		"INSERT INTO events (type, server, session_id, state, pid, exit_code, signal, error, tool, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		string(ev.Type), ev.Server, ev.SessionID, string(ev.State), ev.PID, ev.ExitCode, ev.Signal, ev.Error, ev.Tool,
		ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Recent implements app.EventRepository.
func (s *Store) Recent(server string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	const cols = "SELECT type, server, session_id, state, pid, exit_code, signal, error, tool, timestamp FROM events"

	var (
		rows *sql.Rows
		err  error
	)
	if server == "" {
		rows, err = s.db.Query(cols+" ORDER BY id DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query(cols+" WHERE server = ? ORDER BY id DESC LIMIT ?", server, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			ev         domain.Event
			typ, state string
			ts         string
		)
		if err := rows.Scan(&typ, &ev.Server, &ev.SessionID, &state, &ev.PID, &ev.ExitCode, &ev.Signal, &ev.Error, &ev.Tool, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = domain.EventType(typ)
		ev.State = domain.ServerState(state)
		if ev.Timestamp, err = parseTime(ts, "event"); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune implements app.EventRepository.
func (s *Store) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec("DELETE FROM events WHERE id <= (SELECT id FROM events ORDER BY id DESC LIMIT 1 OFFSET ?)", keep)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return int(n), nil
}

// parseTime parses RFC3339Nano or returns zero time and error.
func parseTime(s, context string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}
