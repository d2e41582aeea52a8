// Package journal keeps a sqlite audit of sessions, messages and committed
// utterances. Reads serve history views only; nothing is loaded back into the
// engine on start.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"VoiceChat/internal/events"
	"VoiceChat/internal/session"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	start_time DATETIME,
	backend TEXT
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT,
	role TEXT,
	content TEXT,
	timestamp DATETIME,
	FOREIGN KEY(session_id) REFERENCES sessions(id)
);
CREATE TABLE IF NOT EXISTS utterances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	result_index INTEGER,
	content TEXT,
	timestamp DATETIME
);`

// Journal records engine events. It implements events.Notifier.
type Journal struct {
	db      *sql.DB
	backend string
	logger  *slog.Logger
	mu      sync.Mutex
}

// Open opens (or creates) the database at path. ":memory:" is allowed.
func Open(path, backend string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Journal{db: db, backend: backend, logger: logger}, nil
}

// Notify writes the events the journal cares about and ignores the rest.
func (j *Journal) Notify(ev events.Event) {
	var err error
	switch e := ev.(type) {
	case *events.SessionCreated:
		err = j.saveSession(e.SessionID, time.Now())
	case *events.MessageAppended:
		err = j.saveMessage(e.SessionID, e.Message)
	case *events.UtteranceCommitted:
		err = j.exec("INSERT INTO utterances (result_index, content, timestamp) VALUES (?, ?, ?)",
			e.ResultIndex, e.Text, time.Now())
	default:
		return
	}
	if err != nil {
		j.logger.Warn("failed to journal event", "event", ev.GetId(), "error", err)
	}
}

func (j *Journal) saveSession(id string, start time.Time) error {
	return j.exec("INSERT OR REPLACE INTO sessions (id, start_time, backend) VALUES (?, ?, ?)",
		id, start, j.backend)
}

func (j *Journal) saveMessage(sessionID string, msg session.Message) error {
	role := "assistant"
	if msg.IsUser {
		role = "user"
	}
	return j.exec("INSERT INTO messages (session_id, role, content, timestamp) VALUES (?, ?, ?, ?)",
		sessionID, role, msg.Text, msg.Timestamp)
}

func (j *Journal) exec(query string, args ...any) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return nil
}

// Transcript returns the journaled messages of a session in insertion order.
func (j *Journal) Transcript(ctx context.Context, sessionID string) ([]session.Message, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.QueryContext(ctx,
		"SELECT role, content, timestamp FROM messages WHERE session_id = ? ORDER BY id",
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []session.Message
	for rows.Next() {
		var (
			role string
			msg  session.Message
		)
		if err := rows.Scan(&role, &msg.Text, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.IsUser = role == "user"
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Counts reports how many sessions and utterances have been journaled.
func (j *Journal) Counts(ctx context.Context) (sessions, utterances int, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err = j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&sessions); err != nil {
		return 0, 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	if err = j.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM utterances").Scan(&utterances); err != nil {
		return 0, 0, fmt.Errorf("failed to count utterances: %w", err)
	}
	return sessions, utterances, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}
