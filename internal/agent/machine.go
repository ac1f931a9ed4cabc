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

package agent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/funnel-agent/internal/analytics"
	"github.com/your-org/funnel-agent/internal/report"
)

// Action names the intent resolver reports. Unknown names degrade to a
// context answer rather than failing the turn.
const (
	resolvedFunnel = "analyze_funnel"
	resolvedCohort = "analyze_cohort"
	resolvedMemory = "answer_from_memory"
)

// Resolver selects the next action for a user message given what the
// session already knows. Implementations must classify, not crash: a
// resolver error ends the turn asking the user to rephrase.
type Resolver interface {
	Route(ctx context.Context, userMessage, funnelID string, funnelResult *analytics.FunnelResult, cohortResult *analytics.CohortResult) (action string, params map[string]interface{}, err error)
}

// AnalyticsClient runs the two remote analyses
type AnalyticsClient interface {
	AnalyzeFunnel(ctx context.Context, params analytics.FunnelParameters) (*analytics.FunnelResult, error)
	AnalyzeCohort(ctx context.Context, params analytics.CohortParameters) (*analytics.CohortResult, error)
}

// ReportComposer turns raw analysis results into a structured report.
// Compose degrades internally; it only errors when called with nothing to
// report on.
type ReportComposer interface {
	Compose(ctx context.Context, funnelResult *analytics.FunnelResult, cohortResult *analytics.CohortResult) (*report.Report, error)
}

// node identifies a step of the turn state machine
type node int

const (
	nodeRouteIntent node = iota
	nodeValidateFunnel
	nodeValidateCohort
	nodeCallFunnel
	nodeCallCohort
	nodeGenerateReport
	nodeAnswerContext
	nodeEnd
)

func (n node) String() string {
	switch n {
	case nodeRouteIntent:
		return "route_intent"
	case nodeValidateFunnel:
		return "validate_funnel"
	case nodeValidateCohort:
		return "validate_cohort"
	case nodeCallFunnel:
		return "call_funnel"
	case nodeCallCohort:
		return "call_cohort"
	case nodeGenerateReport:
		return "generate_report"
	case nodeAnswerContext:
		return "answer_context"
	case nodeEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Engine drives one conversation turn through the state machine. Every
// turn enters at route_intent; the deciders after each node return the
// next node explicitly, so the full transition graph lives in this file.
type Engine struct {
	resolver  Resolver
	analytics AnalyticsClient
	composer  ReportComposer
	logger    *zap.Logger
}

// NewEngine creates a turn engine
func NewEngine(resolver Resolver, analyticsClient AnalyticsClient, composer ReportComposer, logger *zap.Logger) *Engine {
	return &Engine{
		resolver:  resolver,
		analytics: analyticsClient,
		composer:  composer,
		logger:    logger,
	}
}

// RunTurn executes one full turn over the given state and returns the
// updated state. The caller is responsible for appending the user message
// beforehand and persisting the result afterwards.
func (e *Engine) RunTurn(ctx context.Context, state State) State {
	start := time.Now()

	// Stale error and missing-parameter state from an earlier turn never
	// survives into this one
	state.Error = ""
	state.MissingParams = []string{}

	current := nodeRouteIntent
	for current != nodeEnd {
		e.logger.Debug("Entering turn node",
			zap.String("session_id", state.SessionID),
			zap.String("node", current.String()))

		switch current {
		case nodeRouteIntent:
			state = e.routeIntent(ctx, state)
			current = nextAfterRoute(state)
		case nodeValidateFunnel, nodeValidateCohort:
			state = validateParameters(state)
			current = nextAfterValidate(state)
		case nodeCallFunnel:
			state = e.callFunnel(ctx, state)
			current = nextAfterCall(state)
		case nodeCallCohort:
			state = e.callCohort(ctx, state)
			current = nextAfterCall(state)
		case nodeGenerateReport:
			state = e.generateReport(ctx, state)
			current = nodeEnd
		case nodeAnswerContext:
			state = answerFromContext(state)
			current = nodeEnd
		default:
			current = nodeEnd
		}
	}

	e.logger.Info("Turn completed",
		zap.String("session_id", state.SessionID),
		zap.String("next_action", string(state.NextAction)),
		zap.Bool("needs_input", state.NeedsInput()),
		zap.Bool("has_error", state.Error != ""),
		zap.Duration("duration", time.Since(start)))

	return state
}

// routeIntent asks the resolver what the latest user message wants. A
// resolver failure does not abort the turn; it ends it asking the user to
// try again, with the failure recorded on the state.
func (e *Engine) routeIntent(ctx context.Context, state State) State {
	userMessage := state.LastMessage().Content

	action, params, err := e.resolver.Route(ctx, userMessage, state.FunnelID, state.FunnelResult, state.CohortResult)
	if err != nil {
		e.logger.Warn("Intent resolution failed",
			zap.String("session_id", state.SessionID),
			zap.Error(err))
		state.NextAction = ActionAskUser
		state.Error = err.Error()
		state.MissingParams = []string{"Unable to process request"}
		return state
	}

	switch action {
	case resolvedFunnel:
		state.NextAction = ActionCallFunnel
	case resolvedCohort:
		state.NextAction = ActionCallCohort
	case resolvedMemory:
		state.NextAction = ActionAnswerContext
	default:
		state.NextAction = ActionAnswerContext
	}
	state.Parameters = params

	e.logger.Debug("Intent resolved",
		zap.String("session_id", state.SessionID),
		zap.String("action", action),
		zap.Int("parameter_count", len(params)))

	return state
}

// callFunnel builds typed funnel parameters from the routed bag and runs
// the analysis. Success records the funnel id on the session for later
// cohort deep-dives.
func (e *Engine) callFunnel(ctx context.Context, state State) State {
	params, err := analytics.FunnelParametersFromBag(state.Parameters)
	if err != nil {
		return failCall(state, "Funnel API error: ", err)
	}

	result, err := e.analytics.AnalyzeFunnel(ctx, params)
	if err != nil {
		e.logger.Warn("Funnel analysis failed",
			zap.String("session_id", state.SessionID),
			zap.Error(err))
		return failCall(state, "Funnel API error: ", err)
	}

	state.FunnelID = result.FunnelID
	state.FunnelResult = result
	state.NextAction = ActionEnd
	return state
}

// callCohort runs a cohort deep-dive against the session's funnel id. The
// validator has already guaranteed the id and the step index exist.
func (e *Engine) callCohort(ctx context.Context, state State) State {
	params, err := analytics.CohortParametersFromBag(state.FunnelID, state.Parameters)
	if err != nil {
		return failCall(state, "Cohort API error: ", err)
	}

	result, err := e.analytics.AnalyzeCohort(ctx, params)
	if err != nil {
		e.logger.Warn("Cohort analysis failed",
			zap.String("session_id", state.SessionID),
			zap.Error(err))
		return failCall(state, "Cohort API error: ", err)
	}

	state.CohortResult = result
	state.NextAction = ActionEnd
	return state
}

// failCall records a remote analysis failure and hands the turn back to
// the user
func failCall(state State, prefix string, err error) State {
	state.Error = prefix + err.Error()
	state.NextAction = ActionAskUser
	return state
}

// generateReport composes the user-facing report from whatever results the
// turn produced. Compose falls back internally, so an error here means the
// machine reached this node without any result, which the transition
// deciders prevent.
func (e *Engine) generateReport(ctx context.Context, state State) State {
	rep, err := e.composer.Compose(ctx, state.FunnelResult, state.CohortResult)
	if err != nil {
		e.logger.Error("Report composition failed",
			zap.String("session_id", state.SessionID),
			zap.Error(err))
		return state
	}
	state.Report = rep
	return state
}

// answerFromContext appends the resolver's answer to the conversation.
// Without one, the agent admits it does not know instead of guessing.
func answerFromContext(state State) State {
	answer := "I don't have enough information to answer that question."
	if v, ok := state.Parameters[paramAnswer].(string); ok && v != "" {
		answer = v
	}
	state = state.AppendMessage(Message{
		Role:      RoleAssistant,
		Content:   answer,
		Timestamp: time.Now().UTC(),
	})
	state.NextAction = ActionEnd
	return state
}

// nextAfterRoute maps the routed action to its validation node. Context
// answers skip validation entirely.
func nextAfterRoute(state State) node {
	switch state.NextAction {
	case ActionCallFunnel:
		return nodeValidateFunnel
	case ActionCallCohort:
		return nodeValidateCohort
	case ActionAnswerContext:
		return nodeAnswerContext
	default:
		return nodeEnd
	}
}

// nextAfterValidate proceeds to the remote call only when nothing is
// missing; otherwise the turn ends and the boundary asks the user for the
// listed parameters.
func nextAfterValidate(state State) node {
	if len(state.MissingParams) > 0 {
		return nodeEnd
	}
	switch state.NextAction {
	case ActionCallFunnel:
		return nodeCallFunnel
	case ActionCallCohort:
		return nodeCallCohort
	default:
		return nodeEnd
	}
}

// nextAfterCall routes a successful analysis into report generation. A
// recorded error ends the turn before any report work.
func nextAfterCall(state State) node {
	if state.Error != "" {
		return nodeEnd
	}
	if state.FunnelResult != nil || state.CohortResult != nil {
		return nodeGenerateReport
	}
	return nodeEnd
}
