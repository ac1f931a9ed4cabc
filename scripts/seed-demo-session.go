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

// Seeds the session database with a completed funnel analysis so the
// history endpoints and agentctl have data before any chat has run.
//
// Usage: go run scripts/seed-demo-session.go
// The database path defaults to ./data/sessions.db and can be
// overridden with DATABASE_PATH.
package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/your-org/funnel-agent/internal/agent"
	"github.com/your-org/funnel-agent/internal/analytics"
	"github.com/your-org/funnel-agent/internal/report"
	"github.com/your-org/funnel-agent/internal/session"
)

const (
	DefaultDatabasePath = "./data/sessions.db"
	DemoSessionID       = "sess_demo"
	DemoUserMessage     = "Analyze my signup funnel for January 2026 with steps: signup, verify_email, first_purchase"
)

func main() {
	log.Println("🌱 Seeding demo session...")

	databasePath := os.Getenv("DATABASE_PATH")
	if databasePath == "" {
		databasePath = DefaultDatabasePath
	}

	storage, err := session.NewSQLiteStorage(databasePath, zap.NewNop())
	if err != nil {
		log.Fatalf("❌ Failed to open session database: %v", err)
	}
	defer func() { _ = storage.Close() }()

	ctx := context.Background()
	funnelID := newFunnelID()
	funnelResult := demoFunnelResult(funnelID)
	rep := demoReport(funnelID)
	responseText := report.FormatText(rep)
	now := time.Now().UTC()

	state := agent.NewState(DemoSessionID)
	state.NextAction = agent.ActionEnd
	state.FunnelID = funnelID
	state.FunnelResult = funnelResult
	state.Report = rep
	state.Parameters = map[string]interface{}{
		"start_date":   "2026-01-01",
		"end_date":     "2026-01-31",
		"funnel_steps": []interface{}{"signup", "verify_email", "first_purchase"},
	}
	state = state.AppendMessage(agent.Message{
		Role: agent.RoleUser, Content: DemoUserMessage, Timestamp: now,
	})
	state = state.AppendMessage(agent.Message{
		Role: agent.RoleAssistant, Content: responseText, Timestamp: now.Add(time.Second),
	})

	if err := storage.Save(ctx, state); err != nil {
		log.Fatalf("❌ Failed to save demo session: %v", err)
	}

	entries := []session.HistoryEntry{
		{Role: "user", Content: DemoUserMessage, Timestamp: now},
		{Role: "assistant", Content: responseText, Timestamp: now.Add(time.Second),
			Metadata: map[string]interface{}{
				"action_taken": string(agent.ActionCallFunnel),
				"funnel_id":    funnelID,
			}},
	}
	for _, entry := range entries {
		if err := storage.AppendHistory(ctx, DemoSessionID, entry); err != nil {
			log.Fatalf("❌ Failed to append demo history: %v", err)
		}
	}

	log.Println("✅ Demo session seeded successfully!")
	log.Printf("📊 Session '%s' has funnel %s with %d steps", DemoSessionID, funnelID, len(funnelResult.Steps))
	log.Printf("🔍 Inspect it with: agentctl history %s", DemoSessionID)
}

func newFunnelID() string {
	return "fnl_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

func demoFunnelResult(funnelID string) *analytics.FunnelResult {
	verifyDrop := 3500
	purchaseDrop := 2600
	return &analytics.FunnelResult{
		FunnelID: funnelID,
		Steps: []analytics.FunnelStep{
			{StepIndex: 0, Name: "signup", Users: 10000, ConversionRate: 100.0},
			{StepIndex: 1, Name: "verify_email", Users: 6500, ConversionRate: 65.0, DropOff: &verifyDrop},
			{StepIndex: 2, Name: "first_purchase", Users: 3900, ConversionRate: 39.0, DropOff: &purchaseDrop},
		},
		OverallConversion: 39.0,
		TotalUsers:        10000,
		DateRange:         analytics.DateRange{Start: "2026-01-01", End: "2026-01-31"},
	}
}

func demoReport(funnelID string) *report.Report {
	return &report.Report{
		Overview: "The signup funnel converts 39% of visitors end to end, with the largest drop at email verification.",
		Metrics: map[string]interface{}{
			"funnel_id":          funnelID,
			"overall_conversion": 39.0,
			"total_users":        10000,
			"steps":              []interface{}{"signup", "verify_email", "first_purchase"},
		},
		Insights: []string{
			"35% of new signups never verify their email",
			"Verified users convert to a first purchase at 60%",
		},
		Recommendations: []string{
			"Resend the verification email after 24 hours",
			"Allow browsing before verification completes",
		},
	}
}
