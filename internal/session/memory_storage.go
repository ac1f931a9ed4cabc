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
	"sync"
	"time"

	"github.com/your-org/funnel-agent/internal/agent"
)

// MemoryStorage keeps sessions in process memory with LRU eviction. It
// backs tests and ephemeral deployments; nothing survives a restart.
type MemoryStorage struct {
	states      map[string]*memoryEntry
	history     map[string][]HistoryEntry
	maxSessions int
	mutex       sync.RWMutex
}

// memoryEntry pairs stored state with its last write time, which doubles
// as the LRU ordering and the TTL reference point
type memoryEntry struct {
	state     agent.State
	updatedAt time.Time
}

// NewMemoryStorage creates an in-memory session storage
func NewMemoryStorage(maxSessions int) *MemoryStorage {
	if maxSessions <= 0 {
		maxSessions = 1000
	}
	return &MemoryStorage{
		states:      make(map[string]*memoryEntry),
		history:     make(map[string][]HistoryEntry),
		maxSessions: maxSessions,
	}
}

// Get retrieves stored state, returning ErrNotFound for unknown ids
func (m *MemoryStorage) Get(_ context.Context, sessionID string) (agent.State, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entry, exists := m.states[sessionID]
	if !exists {
		return agent.State{}, ErrNotFound
	}

	// Return a copy so callers never mutate stored state
	return cloneState(entry.state), nil
}

// Save inserts or replaces the state for its session id
func (m *MemoryStorage) Save(_ context.Context, state agent.State) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.states[state.SessionID]; !exists && len(m.states) >= m.maxSessions {
		m.evictOldestSession()
	}

	m.states[state.SessionID] = &memoryEntry{
		state:     cloneState(state),
		updatedAt: time.Now().UTC(),
	}
	return nil
}

// AppendHistory adds one entry to the session's conversation log
func (m *MemoryStorage) AppendHistory(_ context.Context, sessionID string, entry HistoryEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	m.history[sessionID] = append(m.history[sessionID], entry)
	return nil
}

// History returns the session's log in insertion order
func (m *MemoryStorage) History(_ context.Context, sessionID string) ([]HistoryEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stored := m.history[sessionID]
	entries := make([]HistoryEntry, len(stored))
	copy(entries, stored)
	return entries, nil
}

// Delete removes the session state and its history
func (m *MemoryStorage) Delete(_ context.Context, sessionID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	delete(m.states, sessionID)
	delete(m.history, sessionID)
	return nil
}

// Cleanup removes sessions not updated since the cutoff
func (m *MemoryStorage) Cleanup(_ context.Context, cutoff time.Time) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	var removed int64
	for sessionID, entry := range m.states {
		if entry.updatedAt.Before(cutoff) {
			delete(m.states, sessionID)
			delete(m.history, sessionID)
			removed++
		}
	}
	return removed, nil
}

// Close drops all stored sessions
func (m *MemoryStorage) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.states = make(map[string]*memoryEntry)
	m.history = make(map[string][]HistoryEntry)
	return nil
}

// evictOldestSession removes the least recently written session. Callers
// hold the write lock.
func (m *MemoryStorage) evictOldestSession() {
	var oldestID string
	var oldestTime time.Time

	for sessionID, entry := range m.states {
		if oldestID == "" || entry.updatedAt.Before(oldestTime) {
			oldestID = sessionID
			oldestTime = entry.updatedAt
		}
	}

	if oldestID != "" {
		delete(m.states, oldestID)
		delete(m.history, oldestID)
	}
}

// cloneState deep-copies the slices and the parameter bag so stored state
// never aliases a caller's copy. Result payloads are never mutated after
// creation, so sharing those pointers is safe.
func cloneState(s agent.State) agent.State {
	if s.Messages != nil {
		messages := make([]agent.Message, len(s.Messages))
		copy(messages, s.Messages)
		s.Messages = messages
	}
	if s.MissingParams != nil {
		missing := make([]string, len(s.MissingParams))
		copy(missing, s.MissingParams)
		s.MissingParams = missing
	}
	if s.Parameters != nil {
		params := make(map[string]interface{}, len(s.Parameters))
		for key, value := range s.Parameters {
			params[key] = value
		}
		s.Parameters = params
	}
	return s
}
