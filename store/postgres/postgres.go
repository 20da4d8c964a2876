// Package postgres implements ensemble.HistoryStore using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ensembleai/ensemble"
)

// Store implements ensemble.HistoryStore backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ ensemble.HistoryStore = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_user_idx ON sessions(user_id)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			tool_calls JSONB,
			tool_call_id TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages(session_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// ReadHistory loads the ordered message history for a session. The user
// scope is enforced: a session owned by a different user reads as empty.
func (s *Store) ReadHistory(ctx context.Context, sessionID, userID string) ([]ensemble.Message, error) {
	var owner string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM sessions WHERE id = $1`, sessionID).Scan(&owner)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if owner != userID {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, role, name, content, tool_calls, tool_call_id, created_at
		 FROM messages WHERE session_id = $1 ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var out []ensemble.Message
	for rows.Next() {
		var m ensemble.Message
		var toolCalls []byte
		if err := rows.Scan(&m.ID, &m.Role, &m.Name, &m.Content, &toolCalls, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return out, nil
}

// WriteHistory replaces the session's stored history with messages.
func (s *Store) WriteHistory(ctx context.Context, session ensemble.Session, messages []ensemble.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO sessions (id, user_id, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET user_id = $2, updated_at = $3`,
		session.ID, session.UserID, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, session.ID); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}

	for i, m := range messages {
		var toolCalls []byte
		if len(m.ToolCalls) > 0 {
			toolCalls, err = json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("encode tool calls: %w", err)
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO messages (id, session_id, position, role, name, content, tool_calls, tool_call_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			m.ID, session.ID, i, m.Role, m.Name, m.Content, toolCalls, m.ToolCallID, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("write message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its history. Deleting a session owned
// by a different user is a no-op.
func (s *Store) DeleteSession(ctx context.Context, sessionID, userID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE id = $1 AND user_id = $2`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete history: %w", err)
	}
	return nil
}
