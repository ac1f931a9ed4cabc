// Copyright 2025 Funnel Agent Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// SQLite driver registration
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/your-org/funnel-agent/internal/agent"
)

// sqliteTimeLayout is fixed-width UTC so stored timestamps order
// lexicographically and TTL comparisons work as plain string comparisons
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

// SQLiteStorage persists sessions to a SQLite database file
type SQLiteStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStorage opens (and creates if needed) the database at path and
// ensures the schema exists
func NewSQLiteStorage(path string, logger *zap.Logger) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &SQLiteStorage{
		db:     db,
		logger: logger,
	}
	if err := storage.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("SQLite session storage initialized", zap.String("path", path))
	return storage, nil
}

// migrate creates the tables and indexes if they do not exist
func (s *SQLiteStorage) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			state TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_session_id
			ON conversation_history(session_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves stored state, returning ErrNotFound for unknown ids
func (s *SQLiteStorage) Get(ctx context.Context, sessionID string) (agent.State, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT state FROM sessions WHERE session_id = ?", sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return agent.State{}, ErrNotFound
	}
	if err != nil {
		return agent.State{}, fmt.Errorf("failed to query session: %w", err)
	}

	var state agent.State
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return agent.State{}, fmt.Errorf("failed to decode session state: %w", err)
	}
	return state, nil
}

// Save inserts or replaces the state for its session id
func (s *SQLiteStorage) Save(ctx context.Context, state agent.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode session state: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, state, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at`,
		state.SessionID, string(raw), time.Now().UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// AppendHistory adds one entry to the session's conversation log
func (s *SQLiteStorage) AppendHistory(ctx context.Context, sessionID string, entry HistoryEntry) error {
	var metadata interface{}
	if entry.Metadata != nil {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode message metadata: %w", err)
		}
		metadata = string(raw)
	}

	timestamp := entry.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_history (session_id, role, content, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		sessionID, entry.Role, entry.Content, metadata, timestamp.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// History returns the session's log in insertion order. The row id breaks
// ties between entries written within the same microsecond.
func (s *SQLiteStorage) History(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, timestamp, metadata
		FROM conversation_history
		WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var entries []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var timestamp string
		var metadata sql.NullString

		if err := rows.Scan(&entry.Role, &entry.Content, &timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		if ts, err := time.Parse(sqliteTimeLayout, timestamp); err == nil {
			entry.Timestamp = ts.UTC()
		}
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode message metadata: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}
	return entries, nil
}

// Delete removes the session state and its history
func (s *SQLiteStorage) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM conversation_history WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("failed to delete session history: %w", err)
	}
	return nil
}

// Cleanup removes sessions not updated since the cutoff, then drops
// history rows left without a session
func (s *SQLiteStorage) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE updated_at < ?", cutoff.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		removed = 0
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_history
		WHERE session_id NOT IN (SELECT session_id FROM sessions)`); err != nil {
		return removed, fmt.Errorf("failed to delete orphaned history: %w", err)
	}
	return removed, nil
}

// Close closes the database
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
