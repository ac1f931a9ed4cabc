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

// Package main implements the operations tool for the funnel analysis
// agent. It sends chat messages to a running agent server and manages
// stored sessions directly through the session store.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/your-org/funnel-agent/internal/config"
	"github.com/your-org/funnel-agent/internal/session"
	"go.uber.org/zap"
)

const (
	// DefaultServerURL is the agent API address used when --server is not given
	DefaultServerURL = "http://localhost:8000"
	// RequestTimeout bounds a single chat request from the CLI
	RequestTimeout = 150 * time.Second
)

var (
	configPath    string
	serverURL     string
	chatSessionID string
)

// chatRequest mirrors the agent server's chat payload
type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// chatResponse mirrors the agent server's chat reply
type chatResponse struct {
	SessionID     string                 `json:"session_id"`
	Response      string                 `json:"response"`
	NeedsInput    bool                   `json:"needs_input"`
	MissingParams []string               `json:"missing_params,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand builds the agentctl command tree
func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "agentctl",
		Short:         "Operations tool for the funnel analysis agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	chatCmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send a message to a running agent server",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runChat,
	}
	chatCmd.Flags().StringVarP(&serverURL, "server", "u", DefaultServerURL, "Agent server base URL")
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "Session id to continue (new session when empty)")

	historyCmd := &cobra.Command{
		Use:   "history <session-id>",
		Short: "Print the conversation history of a stored session",
		Args:  cobra.ExactArgs(1),
		RunE:  runHistory,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a stored session and its history",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}

	purgeCmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove sessions idle past the configured TTL",
		Args:  cobra.NoArgs,
		RunE:  runPurge,
	}

	rootCmd.AddCommand(chatCmd, historyCmd, deleteCmd, purgeCmd)
	return rootCmd
}

// openSessionManager builds a session manager from configuration. The
// OpenAI credential is not required for store maintenance, and the
// cleanup loop stays off in a one-shot command.
func openSessionManager() (*session.Manager, error) {
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		ConfigPath:       configPath,
		ValidateRequired: false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return session.NewManager(session.Config{
		StorageType:     session.StorageType(cfg.Session.StorageType),
		DatabasePath:    cfg.Database.Path,
		TTL:             cfg.Session.TTL(),
		MaxSessions:     cfg.Session.MaxSessions,
		CleanupInterval: 0,
	}, zap.NewNop())
}

func runChat(_ *cobra.Command, args []string) error {
	payload, err := json.Marshal(chatRequest{
		Message:   strings.Join(args, " "),
		SessionID: chatSessionID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	client := &http.Client{Timeout: RequestTimeout}
	resp, err := client.Post(
		strings.TrimSuffix(serverURL, "/")+"/chat",
		"application/json",
		bytes.NewReader(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to reach agent server at %s: %w", serverURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errBody map[string]interface{}
		if json.Unmarshal(body, &errBody) == nil {
			if msg, ok := errBody["error"].(string); ok {
				return fmt.Errorf("agent returned %d: %s", resp.StatusCode, msg)
			}
		}
		return fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(body))
	}

	var reply chatResponse
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Println(reply.Response)
	fmt.Printf("\nsession: %s\n", reply.SessionID)
	if reply.NeedsInput {
		fmt.Printf("waiting for: %s\n", strings.Join(reply.MissingParams, ", "))
	}
	if action, ok := reply.Metadata["action_taken"].(string); ok && action != "" {
		fmt.Printf("action: %s\n", action)
	}

	return nil
}

func runHistory(_ *cobra.Command, args []string) error {
	manager, err := openSessionManager()
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := manager.History(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}

	if len(entries) == 0 {
		fmt.Printf("No history for session %s\n", args[0])
		return nil
	}

	for _, entry := range entries {
		fmt.Printf("[%s] %s: %s\n",
			entry.Timestamp.Format(time.RFC3339),
			entry.Role,
			entry.Content,
		)
	}

	return nil
}

func runDelete(_ *cobra.Command, args []string) error {
	manager, err := openSessionManager()
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := manager.Delete(ctx, args[0]); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	fmt.Printf("Deleted session %s\n", args[0])
	return nil
}

func runPurge(_ *cobra.Command, _ []string) error {
	manager, err := openSessionManager()
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := manager.DeleteExpired(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge expired sessions: %w", err)
	}

	fmt.Printf("Purged %d expired sessions\n", removed)
	return nil
}
