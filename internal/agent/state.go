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

// Package agent implements the conversation orchestration engine: the
// session state model, the parameter validation rules, and the turn state
// machine that routes a user message to a funnel analysis, a cohort
// deep-dive, or a context answer.
package agent

import (
	"time"

	"github.com/your-org/funnel-agent/internal/analytics"
	"github.com/your-org/funnel-agent/internal/report"
)

// ActionType enumerates the decisions a turn can record in next_action.
type ActionType string

const (
	// ActionAskUser means the turn needs more input from the user
	ActionAskUser ActionType = "ask_user"
	// ActionCallFunnel means the turn selected a funnel analysis
	ActionCallFunnel ActionType = "call_funnel"
	// ActionCallCohort means the turn selected a cohort deep-dive
	ActionCallCohort ActionType = "call_cohort"
	// ActionAnswerContext means the turn answers from existing results
	ActionAnswerContext ActionType = "answer_context"
	// ActionEnd means the turn completed its selected action
	ActionEnd ActionType = "end"
)

// MessageRole identifies the author of a conversation message
type MessageRole string

const (
	// RoleUser marks messages written by the user
	RoleUser MessageRole = "user"
	// RoleAssistant marks messages written by the agent
	RoleAssistant MessageRole = "assistant"
)

// Message is a single conversation entry
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// State is the persisted conversational memory for one session. It is
// threaded by value through the turn state machine; transitions return an
// updated copy, never mutate shared storage.
//
// FunnelID is the cross-turn handle: set by the first successful funnel
// analysis and never unset afterwards, it is what a later cohort deep-dive
// depends on. FunnelResult and CohortResult survive unrelated actions so a
// turn can still reference an older analysis.
type State struct {
	SessionID     string                  `json:"session_id"`
	Messages      []Message               `json:"messages"`
	Parameters    map[string]interface{}  `json:"parameters,omitempty"`
	MissingParams []string                `json:"missing_params"`
	FunnelID      string                  `json:"funnel_id,omitempty"`
	FunnelResult  *analytics.FunnelResult `json:"funnel_result,omitempty"`
	CohortResult  *analytics.CohortResult `json:"cohort_result,omitempty"`
	Report        *report.Report          `json:"report,omitempty"`
	NextAction    ActionType              `json:"next_action"`
	Error         string                  `json:"error,omitempty"`
}

// NewState creates the initial state for a previously unseen session id
func NewState(sessionID string) State {
	return State{
		SessionID:     sessionID,
		Messages:      []Message{},
		MissingParams: []string{},
		NextAction:    ActionAskUser,
	}
}

// AppendMessage returns a copy of the state with msg appended. The message
// slice is reallocated so snapshots held by earlier turns never alias the
// new one.
func (s State) AppendMessage(msg Message) State {
	messages := make([]Message, len(s.Messages), len(s.Messages)+1)
	copy(messages, s.Messages)
	s.Messages = append(messages, msg)
	return s
}

// LastMessage returns the most recent conversation entry, or a zero Message
// for an empty history.
func (s State) LastMessage() Message {
	if len(s.Messages) == 0 {
		return Message{}
	}
	return s.Messages[len(s.Messages)-1]
}

// NeedsInput reports whether the turn ended waiting on the user
func (s State) NeedsInput() bool {
	return len(s.MissingParams) > 0
}
