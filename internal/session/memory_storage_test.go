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
	"errors"
	"testing"
	"time"

	"github.com/your-org/funnel-agent/internal/agent"
)

func TestMemoryStorageRoundTrip(t *testing.T) {
	storage := NewMemoryStorage(10)
	defer func() { _ = storage.Close() }()
	ctx := context.Background()

	state := agent.NewState("sess_mem")
	state.FunnelID = "fnl_abc123def456"
	state.Parameters = map[string]interface{}{"start_date": "2024-01-01"}
	state = state.AppendMessage(agent.Message{
		Role:      agent.RoleUser,
		Content:   "analyze my funnel",
		Timestamp: time.Now().UTC(),
	})

	if err := storage.Save(ctx, state); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	got, err := storage.Get(ctx, "sess_mem")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if got.FunnelID != state.FunnelID {
		t.Errorf("expected funnel ID %s, got %s", state.FunnelID, got.FunnelID)
	}
	if len(got.Messages) != 1 || got.Messages[0].Content != "analyze my funnel" {
		t.Errorf("messages did not round-trip: %+v", got.Messages)
	}
	if got.Parameters["start_date"] != "2024-01-01" {
		t.Errorf("parameters did not round-trip: %+v", got.Parameters)
	}

	_, err = storage.Get(ctx, "sess_unknown")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestMemoryStorageIsolatesCopies(t *testing.T) {
	storage := NewMemoryStorage(10)
	defer func() { _ = storage.Close() }()
	ctx := context.Background()

	state := agent.NewState("sess_isolated")
	state = state.AppendMessage(agent.Message{Role: agent.RoleUser, Content: "original"})
	state.Parameters = map[string]interface{}{"start_date": "2024-01-01"}

	if err := storage.Save(ctx, state); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	// Mutating the caller's copy after the save must not touch storage
	state.Messages[0].Content = "mutated after save"
	state.Parameters["start_date"] = "mutated"

	got, err := storage.Get(ctx, "sess_isolated")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if got.Messages[0].Content != "original" {
		t.Errorf("stored messages were mutated through the caller's copy: %q", got.Messages[0].Content)
	}
	if got.Parameters["start_date"] != "2024-01-01" {
		t.Errorf("stored parameters were mutated through the caller's copy: %v", got.Parameters)
	}

	// And mutating a retrieved copy must not touch storage either
	got.Messages[0].Content = "mutated after get"
	again, err := storage.Get(ctx, "sess_isolated")
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if again.Messages[0].Content != "original" {
		t.Errorf("stored messages were mutated through a retrieved copy: %q", again.Messages[0].Content)
	}
}

func TestMemoryStorageHistory(t *testing.T) {
	storage := NewMemoryStorage(10)
	defer func() { _ = storage.Close() }()
	ctx := context.Background()

	entries := []HistoryEntry{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second", Metadata: map[string]interface{}{"action_taken": "call_funnel"}},
		{Role: "user", Content: "third"},
	}
	for _, entry := range entries {
		if err := storage.AppendHistory(ctx, "sess_history", entry); err != nil {
			t.Fatalf("failed to append history: %v", err)
		}
	}

	got, err := storage.History(ctx, "sess_history")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Content != want {
			t.Errorf("entry %d: expected %q, got %q", i, want, got[i].Content)
		}
	}
	if got[0].Timestamp.IsZero() {
		t.Error("zero timestamps should be filled at append time")
	}
	if got[1].Metadata["action_taken"] != "call_funnel" {
		t.Errorf("metadata did not round-trip: %v", got[1].Metadata)
	}

	// The returned slice is a copy
	got[0].Content = "mutated"
	again, err := storage.History(ctx, "sess_history")
	if err != nil {
		t.Fatalf("failed to reload history: %v", err)
	}
	if again[0].Content != "first" {
		t.Errorf("stored history was mutated through the returned slice: %q", again[0].Content)
	}

	empty, err := storage.History(ctx, "sess_none")
	if err != nil {
		t.Fatalf("history for an unknown session should not error: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty history for unknown session, got %d entries", len(empty))
	}
}

func TestMemoryStorageDelete(t *testing.T) {
	storage := NewMemoryStorage(10)
	defer func() { _ = storage.Close() }()
	ctx := context.Background()

	if err := storage.Save(ctx, agent.NewState("sess_delete")); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	if err := storage.AppendHistory(ctx, "sess_delete", HistoryEntry{Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("failed to append history: %v", err)
	}

	if err := storage.Delete(ctx, "sess_delete"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	if _, err := storage.Get(ctx, "sess_delete"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	history, err := storage.History(ctx, "sess_delete")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected history removed with the session, got %d entries", len(history))
	}
}

func TestMemoryStorageCleanup(t *testing.T) {
	storage := NewMemoryStorage(10)
	defer func() { _ = storage.Close() }()
	ctx := context.Background()

	for _, id := range []string{"sess_a", "sess_b"} {
		if err := storage.Save(ctx, agent.NewState(id)); err != nil {
			t.Fatalf("failed to save state: %v", err)
		}
		if err := storage.AppendHistory(ctx, id, HistoryEntry{Role: "user", Content: "hi"}); err != nil {
			t.Fatalf("failed to append history: %v", err)
		}
	}

	// A cutoff in the past removes nothing
	removed, err := storage.Cleanup(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("expected nothing removed with a past cutoff, got %d", removed)
	}

	// A cutoff in the future removes everything, history included
	removed, err = storage.Cleanup(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("expected 2 sessions removed, got %d", removed)
	}
	if _, err := storage.Get(ctx, "sess_a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected sess_a removed, got %v", err)
	}
	history, err := storage.History(ctx, "sess_a")
	if err != nil {
		t.Fatalf("failed to load history: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("expected history removed by cleanup, got %d entries", len(history))
	}
}

func TestMemoryStorageLRUEviction(t *testing.T) {
	storage := NewMemoryStorage(2)
	defer func() { _ = storage.Close() }()
	ctx := context.Background()

	if err := storage.Save(ctx, agent.NewState("sess_oldest")); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := storage.Save(ctx, agent.NewState("sess_middle")); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	// Re-saving an existing session must not evict anyone
	if err := storage.Save(ctx, agent.NewState("sess_oldest")); err != nil {
		t.Fatalf("failed to re-save state: %v", err)
	}
	if _, err := storage.Get(ctx, "sess_middle"); err != nil {
		t.Errorf("re-save of an existing session evicted another: %v", err)
	}
	time.Sleep(2 * time.Millisecond)

	// A third session pushes out the least recently written one, which is
	// now sess_middle after the re-save above
	if err := storage.Save(ctx, agent.NewState("sess_newest")); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}

	if _, err := storage.Get(ctx, "sess_middle"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected sess_middle evicted, got %v", err)
	}
	if _, err := storage.Get(ctx, "sess_oldest"); err != nil {
		t.Errorf("expected sess_oldest retained, got %v", err)
	}
	if _, err := storage.Get(ctx, "sess_newest"); err != nil {
		t.Errorf("expected sess_newest retained, got %v", err)
	}
}

func TestNewMemoryStorageDefaultCapacity(t *testing.T) {
	storage := NewMemoryStorage(0)
	defer func() { _ = storage.Close() }()

	if storage.maxSessions != 1000 {
		t.Errorf("expected default capacity 1000, got %d", storage.maxSessions)
	}
}

func TestMemoryStorageClose(t *testing.T) {
	storage := NewMemoryStorage(10)
	ctx := context.Background()

	if err := storage.Save(ctx, agent.NewState("sess_closing")); err != nil {
		t.Fatalf("failed to save state: %v", err)
	}
	if err := storage.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := storage.Get(ctx, "sess_closing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected storage emptied on close, got %v", err)
	}
}
