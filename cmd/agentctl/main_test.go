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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/your-org/funnel-agent/internal/session"
	"go.uber.org/zap"
)

// executeCommand runs agentctl with the given arguments. Flag globals are
// reset by each newRootCommand call through flag registration defaults.
func executeCommand(args ...string) error {
	cmd := newRootCommand()
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.Execute()
}

// writeTestConfig writes a config file pointing the session store at a
// temporary SQLite database and returns both paths
func writeTestConfig(t *testing.T, ttlHours int) (string, string) {
	t.Helper()

	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "sessions.db")
	configFile := filepath.Join(tempDir, "config.yaml")

	content := fmt.Sprintf(`
session:
  storage_type: sqlite
  ttl_hours: %d
  max_sessions: 100
database:
  path: %s
`, ttlHours, dbPath)

	err := os.WriteFile(configFile, []byte(content), 0600)
	require.NoError(t, err)

	return configFile, dbPath
}

// seedSession writes a session with one user and one assistant entry
// directly through the session store
func seedSession(t *testing.T, dbPath, sessionID string) {
	t.Helper()

	manager, err := session.NewManager(session.Config{
		StorageType:     session.SQLiteStorageType,
		DatabasePath:    dbPath,
		TTL:             time.Hour,
		MaxSessions:     100,
		CleanupInterval: 0,
	}, zap.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = manager.GetOrCreate(ctx, sessionID)
	require.NoError(t, err)

	err = manager.RecordMessage(ctx, sessionID, "user", "show me the signup funnel", nil)
	require.NoError(t, err)
	err = manager.RecordMessage(ctx, sessionID, "assistant", "Here is the funnel report.", map[string]interface{}{
		"action": "end",
	})
	require.NoError(t, err)

	require.NoError(t, manager.Close())
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()

	original := os.Stdout
	reader, writer, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = writer
	defer func() { os.Stdout = original }()

	fn()

	require.NoError(t, writer.Close())
	output, err := io.ReadAll(reader)
	require.NoError(t, err)
	return string(output)
}

func TestChatCommand(t *testing.T) {
	var received chatRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/chat", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.NoError(t, json.Unmarshal(body, &received))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{
			SessionID: "sess_cli_test",
			Response:  "Here is your funnel report.",
			Metadata:  map[string]interface{}{"action_taken": "end"},
		})
	}))
	defer ts.Close()

	// Trailing slash on the server URL must not produce a double slash
	output := captureStdout(t, func() {
		err := executeCommand("chat", "--server", ts.URL+"/", "--session", "sess_cli_test",
			"analyze", "my", "signup", "funnel")
		assert.NoError(t, err)
	})

	assert.Equal(t, "analyze my signup funnel", received.Message)
	assert.Equal(t, "sess_cli_test", received.SessionID)
	assert.Contains(t, output, "Here is your funnel report.")
	assert.Contains(t, output, "session: sess_cli_test")
	assert.Contains(t, output, "action: end")
}

func TestChatCommandReportsMissingParameters(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{
			SessionID:     "sess_cli_test",
			Response:      "I need more information: start_date, end_date",
			NeedsInput:    true,
			MissingParams: []string{"start_date", "end_date"},
		})
	}))
	defer ts.Close()

	output := captureStdout(t, func() {
		err := executeCommand("chat", "--server", ts.URL, "analyze", "my", "funnel")
		assert.NoError(t, err)
	})

	assert.Contains(t, output, "waiting for: start_date, end_date")
}

func TestChatCommandServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "Message must not be empty"})
	}))
	defer ts.Close()

	err := executeCommand("chat", "--server", ts.URL, "hello")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "agent returned 400")
	assert.Contains(t, err.Error(), "Message must not be empty")
}

func TestChatCommandUnreachableServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	url := ts.URL
	ts.Close()

	err := executeCommand("chat", "--server", url, "hello")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reach agent server")
}

func TestHistoryCommandEmptySession(t *testing.T) {
	configFile, _ := writeTestConfig(t, 24)

	output := captureStdout(t, func() {
		err := executeCommand("--config", configFile, "history", "sess_unknown")
		assert.NoError(t, err)
	})

	assert.Contains(t, output, "No history for session sess_unknown")
}

func TestHistoryCommandPrintsEntries(t *testing.T) {
	configFile, dbPath := writeTestConfig(t, 24)
	seedSession(t, dbPath, "sess_hist")

	output := captureStdout(t, func() {
		err := executeCommand("--config", configFile, "history", "sess_hist")
		assert.NoError(t, err)
	})

	assert.Contains(t, output, "user: show me the signup funnel")
	assert.Contains(t, output, "assistant: Here is the funnel report.")
}

func TestDeleteCommand(t *testing.T) {
	configFile, dbPath := writeTestConfig(t, 24)
	seedSession(t, dbPath, "sess_del")

	err := executeCommand("--config", configFile, "delete", "sess_del")
	assert.NoError(t, err)

	manager, err := session.NewManager(session.Config{
		StorageType:     session.SQLiteStorageType,
		DatabasePath:    dbPath,
		TTL:             time.Hour,
		MaxSessions:     100,
		CleanupInterval: 0,
	}, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = manager.Close() }()

	entries, err := manager.History(context.Background(), "sess_del")
	assert.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeCommand(t *testing.T) {
	// TTL of zero makes every stored session expired immediately
	configFile, dbPath := writeTestConfig(t, 0)
	seedSession(t, dbPath, "sess_old")

	output := captureStdout(t, func() {
		err := executeCommand("--config", configFile, "purge")
		assert.NoError(t, err)
	})

	assert.Contains(t, output, "Purged 1 expired sessions")
}

func TestCommandArgValidation(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"Chat without message", []string{"chat"}},
		{"History without session id", []string{"history"}},
		{"Delete without session id", []string{"delete"}},
		{"Purge with unexpected argument", []string{"purge", "extra"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := executeCommand(tt.args...)
			assert.Error(t, err)
		})
	}
}
