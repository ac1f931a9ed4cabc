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

// Package session persists conversation state and history across turns.
// State is stored wholesale as JSON keyed by session id; the message
// history additionally lives in an append-only log so it survives state
// rewrites and can be listed on its own. SQLite is the durable backend,
// with an in-memory backend for tests and ephemeral deployments and a
// Redis backend for embedders that bring their own driver.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/funnel-agent/internal/agent"
)

// StorageType selects the storage backend for sessions
type StorageType string

const (
	// SQLiteStorageType persists sessions to a SQLite database file
	SQLiteStorageType StorageType = "sqlite"
	// MemoryStorageType keeps sessions in process memory
	MemoryStorageType StorageType = "memory"
	// RedisStorageType stores sessions in Redis; requires a driver
	// adapted to RedisClient
	RedisStorageType StorageType = "redis"
)

// ErrNotFound is returned when a session id has no stored state
var ErrNotFound = errors.New("session not found")

// Config holds configuration for session management
type Config struct {
	StorageType     StorageType   `json:"storage_type"`
	DatabasePath    string        `json:"database_path,omitempty"`
	RedisURL        string        `json:"redis_url,omitempty"`
	TTL             time.Duration `json:"ttl"`
	MaxSessions     int           `json:"max_sessions"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{
		StorageType:     SQLiteStorageType,
		DatabasePath:    "./data/sessions.db",
		TTL:             24 * time.Hour,
		MaxSessions:     1000,
		CleanupInterval: 60 * time.Minute,
	}
}

// HistoryEntry is one row of the append-only conversation log. Metadata
// carries turn outcomes (funnel id, action taken) alongside assistant
// entries; it is nil on user entries.
type HistoryEntry struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Storage defines the interface for session storage backends
type Storage interface {
	// Get retrieves stored state, returning ErrNotFound for unknown ids
	Get(ctx context.Context, sessionID string) (agent.State, error)
	// Save inserts or replaces the state for its session id
	Save(ctx context.Context, state agent.State) error
	// AppendHistory adds one entry to the session's conversation log
	AppendHistory(ctx context.Context, sessionID string, entry HistoryEntry) error
	// History returns the session's log in insertion order
	History(ctx context.Context, sessionID string) ([]HistoryEntry, error)
	// Delete removes the session state and its history
	Delete(ctx context.Context, sessionID string) error
	// Cleanup removes sessions not updated since the cutoff and returns
	// how many were removed
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
	// Close closes the storage backend
	Close() error
}

// Manager handles session lifecycle and storage operations
type Manager struct {
	storage Storage
	config  Config
	logger  *zap.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a session manager with the configured storage
// backend and starts the background expiry sweep
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	var storage Storage
	var err error

	switch config.StorageType {
	case SQLiteStorageType:
		storage, err = NewSQLiteStorage(config.DatabasePath, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite storage: %w", err)
		}
	case MemoryStorageType:
		storage = NewMemoryStorage(config.MaxSessions)
	case RedisStorageType:
		storage, err = NewRedisStorage(config.RedisURL, config.TTL, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Redis storage: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.StorageType)
	}

	manager := &Manager{
		storage: storage,
		config:  config,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		manager.wg.Add(1)
		go manager.cleanupLoop()
	}

	return manager, nil
}

// GetOrCreate loads the state for a session id, creating and persisting a
// fresh one the first time the id is seen
func (m *Manager) GetOrCreate(ctx context.Context, sessionID string) (agent.State, error) {
	state, err := m.storage.Get(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		state = agent.NewState(sessionID)
		if err := m.storage.Save(ctx, state); err != nil {
			return state, fmt.Errorf("failed to create session: %w", err)
		}
		m.logger.Info("Created new session", zap.String("session_id", sessionID))
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to get session: %w", err)
	}
	return state, nil
}

// Save persists the state after a turn
func (m *Manager) Save(ctx context.Context, state agent.State) error {
	if err := m.storage.Save(ctx, state); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// RecordMessage appends one message to the session's conversation log
func (m *Manager) RecordMessage(ctx context.Context, sessionID, role, content string, metadata map[string]interface{}) error {
	entry := HistoryEntry{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := m.storage.AppendHistory(ctx, sessionID, entry); err != nil {
		return fmt.Errorf("failed to record message: %w", err)
	}

	m.logger.Debug("Recorded message",
		zap.String("session_id", sessionID),
		zap.String("role", role),
		zap.String("content_preview", previewContent(content, 80)))

	return nil
}

// History returns the session's conversation log in insertion order
func (m *Manager) History(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	entries, err := m.storage.History(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return entries, nil
}

// Delete removes a session and its history
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.storage.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	m.logger.Info("Deleted session", zap.String("session_id", sessionID))
	return nil
}

// DeleteExpired removes sessions idle longer than the configured TTL
func (m *Manager) DeleteExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-m.config.TTL)
	removed, err := m.storage.Cleanup(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}

	if removed > 0 {
		m.logger.Info("Removed expired sessions",
			zap.Int64("removed", removed),
			zap.Duration("ttl", m.config.TTL))
	}
	return removed, nil
}

// Ping verifies the storage backend is reachable
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.storage.Get(ctx, "ping")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// cleanupLoop runs the periodic expiry sweep
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := m.DeleteExpired(ctx); err != nil {
				m.logger.Error("Failed to cleanup expired sessions", zap.Error(err))
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

// Close stops the cleanup loop and closes the storage backend
func (m *Manager) Close() error {
	close(m.stopCh)
	m.wg.Wait()

	if err := m.storage.Close(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}
	return nil
}
