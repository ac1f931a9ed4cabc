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
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/funnel-agent/internal/agent"
)

const redisKeyPrefix = "funnel_agent:"

// RedisClient defines the command surface the Redis backend needs.
// Keeping it as an interface lets the backend compile and be tested
// without a Redis driver in go.mod; production wiring supplies an
// adapter over a real client.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Close() error
}

// RedisStorage stores session state and history as JSON values with a
// per-key TTL, so expiry is enforced by Redis rather than a sweep.
type RedisStorage struct {
	client RedisClient
	ttl    time.Duration
	logger *zap.Logger
	prefix string
}

// NewRedisStorage creates Redis-backed session storage from a server
// URL. No Redis driver ships with this module, so this always fails;
// embedders with a driver should adapt it to RedisClient and use
// NewRedisStorageWithClient.
func NewRedisStorage(_ string, _ time.Duration, _ *zap.Logger) (*RedisStorage, error) {
	return nil, fmt.Errorf("redis storage requires a driver: adapt one to RedisClient and use NewRedisStorageWithClient, or pick the sqlite or memory backend")
}

// NewRedisStorageWithClient creates Redis-backed session storage on an
// already-connected client. Keys expire ttl after their last write; a
// non-positive ttl keeps them forever.
func NewRedisStorageWithClient(client RedisClient, ttl time.Duration, logger *zap.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		ttl:    ttl,
		logger: logger,
		prefix: redisKeyPrefix,
	}
}

// Get retrieves stored state, returning ErrNotFound for unknown ids
func (r *RedisStorage) Get(ctx context.Context, sessionID string) (agent.State, error) {
	data, err := r.client.Get(ctx, r.stateKey(sessionID))
	if err != nil {
		return agent.State{}, fmt.Errorf("failed to get session from Redis: %w", err)
	}
	if data == "" {
		return agent.State{}, ErrNotFound
	}

	var state agent.State
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return agent.State{}, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return state, nil
}

// Save inserts or replaces the state for its session id and refreshes
// the expiry of both the state and its history log
func (r *RedisStorage) Save(ctx context.Context, state agent.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	if err := r.client.Set(ctx, r.stateKey(state.SessionID), string(data), r.ttl); err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}

	// Keep the history alive exactly as long as the state
	if err := r.client.Expire(ctx, r.historyKey(state.SessionID), r.ttl); err != nil {
		r.logger.Warn("Failed to refresh history expiry",
			zap.String("session_id", state.SessionID),
			zap.Error(err))
	}

	return nil
}

// AppendHistory adds one entry to the session's conversation log. The
// log is a single JSON array value, rewritten on each append.
func (r *RedisStorage) AppendHistory(ctx context.Context, sessionID string, entry HistoryEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	entries, err := r.History(ctx, sessionID)
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}
	if err := r.client.Set(ctx, r.historyKey(sessionID), string(data), r.ttl); err != nil {
		return fmt.Errorf("failed to append history in Redis: %w", err)
	}
	return nil
}

// History returns the session's log in insertion order
func (r *RedisStorage) History(ctx context.Context, sessionID string) ([]HistoryEntry, error) {
	data, err := r.client.Get(ctx, r.historyKey(sessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to get history from Redis: %w", err)
	}
	if data == "" {
		return []HistoryEntry{}, nil
	}

	var entries []HistoryEntry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return entries, nil
}

// Delete removes the session state and its history
func (r *RedisStorage) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.stateKey(sessionID), r.historyKey(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}
	return nil
}

// Cleanup is a no-op for Redis. Every write sets a TTL, so expired
// sessions disappear without a sweep.
func (r *RedisStorage) Cleanup(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

// Close closes the underlying client
func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (r *RedisStorage) stateKey(sessionID string) string {
	return fmt.Sprintf("%sstate:%s", r.prefix, sessionID)
}

func (r *RedisStorage) historyKey(sessionID string) string {
	return fmt.Sprintf("%shistory:%s", r.prefix, sessionID)
}
