// Package sqlite implements ensemble.HistoryStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensembleai/ensemble"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and row counts. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements ensemble.HistoryStore backed by a local SQLite file.
// Each session's history is replaced wholesale on write; the memory layer
// owns truncation, so the store never sees more rows than the history cap.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ ensemble.HistoryStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// ReadHistory loads the ordered message history for a session. The user
// scope is enforced: a session owned by a different user reads as empty.
func (s *Store) ReadHistory(ctx context.Context, sessionID, userID string) ([]ensemble.Message, error) {
	start := time.Now()

	var owner string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&owner)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if owner != userID {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, name, content, tool_calls, tool_call_id, created_at
		 FROM messages WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var out []ensemble.Message
	for rows.Next() {
		var m ensemble.Message
		var toolCalls sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Name, &m.Content, &toolCalls, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	s.logger.Debug("sqlite: history read", "session_id", sessionID, "messages", len(out), "duration", time.Since(start))
	return out, nil
}

// WriteHistory replaces the session's stored history with messages.
func (s *Store) WriteHistory(ctx context.Context, session ensemble.Session, messages []ensemble.Message) error {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (id, user_id, updated_at) VALUES (?, ?, ?)`,
		session.ID, session.UserID, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, session.ID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}

	for i, m := range messages {
		var toolCalls *string
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
			v := string(data)
			toolCalls = &v
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, position, role, name, content, tool_calls, tool_call_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, session.ID, i, m.Role, m.Name, m.Content, toolCalls, m.ToolCallID, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("write message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.logger.Debug("sqlite: history written", "session_id", session.ID, "messages", len(messages), "duration", time.Since(start))
	return nil
}

// DeleteSession removes a session and its history. Deleting a session owned
// by a different user is a no-op.
func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	s.logger.Debug("sqlite: session deleted", "session_id", sessionID)
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
