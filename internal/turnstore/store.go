// Package turnstore is a local SQLite-backed transcript store: the durable
// record of user prompts, assistant messages, and dispatched tool calls
// per session.
package turnstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/floegence/turnloop/internal/turn"
)

// WAL supports concurrent reads while a turn is appending.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing db path")
	}
	p = filepath.Clean(p)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type ToolCallRecord struct {
	ID              int64  `json:"id"`
	SessionID       string `json:"session_id"`
	CallID          string `json:"call_id"`
	Name            string `json:"name"`
	Arguments       string `json:"arguments"`
	Output          string `json:"output"`
	IsError         bool   `json:"is_error"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

func (s *Store) AppendMessage(ctx context.Context, sessionID string, role string, text string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	role = strings.TrimSpace(role)
	text = strings.TrimSpace(text)
	if sessionID == "" || role == "" || text == "" {
		return errors.New("invalid message")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO turn_messages(session_id, role, text, created_at_unix_ms)
VALUES(?, ?, ?, ?)
`, sessionID, role, text, time.Now().UnixMilli())
	return err
}

func (s *Store) RecordToolCall(ctx context.Context, sessionID string, callID string, name string, arguments string, output string, isError bool) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	callID = strings.TrimSpace(callID)
	name = strings.TrimSpace(name)
	if sessionID == "" || callID == "" || name == "" {
		return errors.New("invalid tool call")
	}

	errFlag := 0
	if isError {
		errFlag = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO turn_tool_calls(session_id, call_id, name, arguments, output, is_error, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
`, sessionID, callID, name, arguments, output, errFlag, time.Now().UnixMilli())
	return err
}

// History returns the latest user and assistant messages in ascending
// order, shaped for reuse as backend conversation history.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]turn.HistoryMessage, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	if limit <= 0 {
		limit = 80
	}
	if limit > 400 {
		limit = 400
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT role, text
FROM turn_messages
WHERE session_id = ? AND role IN ('user', 'assistant')
ORDER BY id DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tmp := make([]turn.HistoryMessage, 0, limit)
	for rows.Next() {
		var m turn.HistoryMessage
		if err := rows.Scan(&m.Role, &m.Text); err != nil {
			return nil, err
		}
		tmp = append(tmp, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to ASC order.
	out := make([]turn.HistoryMessage, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	return out, nil
}

// ListToolCalls returns the most recent tool calls for a session in
// ascending order.
func (s *Store) ListToolCalls(ctx context.Context, sessionID string, limit int) ([]ToolCallRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("missing session_id")
	}
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, session_id, call_id, name, arguments, output, is_error, created_at_unix_ms
FROM turn_tool_calls
WHERE session_id = ?
ORDER BY id DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tmp := make([]ToolCallRecord, 0, limit)
	for rows.Next() {
		var rec ToolCallRecord
		var errFlag int
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.CallID, &rec.Name, &rec.Arguments, &rec.Output, &errFlag, &rec.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		rec.IsError = errFlag != 0
		tmp = append(tmp, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]ToolCallRecord, 0, len(tmp))
	for i := len(tmp) - 1; i >= 0; i-- {
		out = append(out, tmp[i])
	}
	return out, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("missing session_id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turn_tool_calls WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM turn_messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	return tx.Commit()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	const targetVersion = 1
	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS turn_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  role TEXT NOT NULL,
  text TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turn_messages_session ON turn_messages(session_id, id ASC);
CREATE TABLE IF NOT EXISTS turn_tool_calls (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  session_id TEXT NOT NULL,
  call_id TEXT NOT NULL,
  name TEXT NOT NULL,
  arguments TEXT NOT NULL DEFAULT '',
  output TEXT NOT NULL DEFAULT '',
  is_error INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turn_tool_calls_session ON turn_tool_calls(session_id, id ASC);
`); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
