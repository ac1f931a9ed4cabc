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

package resolver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/your-org/funnel-agent/internal/analytics"
)

// Tool names the routing model can select
const (
	ToolAnalyzeFunnel    = "analyze_funnel"
	ToolAnalyzeCohort    = "analyze_cohort"
	ToolAnswerFromMemory = "answer_from_memory"
)

// routingSystemPrompt instructs the model how to pick between running a new
// analysis and answering from what the session already knows
const routingSystemPrompt = `You are an intelligent routing agent for funnel analysis. Your job is to decide the best action to fulfill the user's request.

Instructions:
1. If the user is asking for a NEW funnel analysis (different dates, steps, or segment), call analyze_funnel
2. If the user wants to understand WHY users drop off at a specific step, call analyze_cohort
3. If the question can be answered with existing data, use answer_from_memory
4. For ambiguous requests, prefer answer_from_memory if data exists

Choose the appropriate function to call.`

// routingTools returns the function definitions the routing model chooses
// from. Parameter schemas are plain JSON Schema objects.
func routingTools() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolAnalyzeFunnel,
				Description: "Run a new funnel analysis with specified date range, funnel steps, and optional user segment",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"start_date": {
							"type": "string",
							"description": "Start date in ISO format (YYYY-MM-DD or YYYY-MM-DDTHH:MM:SSZ)"
						},
						"end_date": {
							"type": "string",
							"description": "End date in ISO format (YYYY-MM-DD or YYYY-MM-DDTHH:MM:SSZ)"
						},
						"funnel_steps": {
							"type": "array",
							"items": {"type": "string"},
							"description": "Event names in funnel order (minimum 2 steps)"
						},
						"user_segment": {
							"type": "string",
							"description": "Optional user segment filter (e.g., 'mobile_users', 'premium_tier')"
						}
					},
					"required": ["start_date", "end_date", "funnel_steps"]
				}`),
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolAnalyzeCohort,
				Description: "Deep-dive into a specific funnel step to understand user cohort characteristics (converted vs dropped users)",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"step_index": {
							"type": "integer",
							"description": "0-based index of the funnel step to analyze in detail"
						}
					},
					"required": ["step_index"]
				}`),
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ToolAnswerFromMemory,
				Description: "Answer the user's question using existing funnel or cohort analysis results without making new API calls",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"answer": {
							"type": "string",
							"description": "The answer to the user's question based on existing data"
						},
						"reasoning": {
							"type": "string",
							"description": "Why existing data is sufficient to answer this question"
						}
					},
					"required": ["answer", "reasoning"]
				}`),
			},
		},
	}
}

// buildRoutingContext assembles the user turn for the routing model: a
// short state summary, the previous results when present, and the user's
// message last
func buildRoutingContext(userMessage, funnelID string, funnelResult *analytics.FunnelResult, cohortResult *analytics.CohortResult) string {
	id := funnelID
	if id == "" {
		id = "None"
	}

	parts := []string{
		"Current state:",
		fmt.Sprintf("- Funnel ID: %s", id),
		fmt.Sprintf("- Funnel result available: %t", funnelResult != nil),
		fmt.Sprintf("- Cohort result available: %t", cohortResult != nil),
	}

	if funnelResult != nil {
		parts = append(parts, "", "Previous funnel analysis:", prettyJSON(funnelResult))
	}
	if cohortResult != nil {
		parts = append(parts, "", "Previous cohort analysis:", prettyJSON(cohortResult))
	}

	return strings.Join(parts, "\n") + fmt.Sprintf("\n\nUser's message: %q", userMessage)
}

// buildReportPrompt assembles the synthesis prompt. The model is told to
// answer with a JSON object so the composer can parse it directly.
func buildReportPrompt(funnelResult *analytics.FunnelResult, cohortResult *analytics.CohortResult) string {
	parts := []string{
		"Generate a structured funnel analysis report based on the following data:\n",
	}

	if funnelResult != nil {
		parts = append(parts, "Funnel Analysis Results:", prettyJSON(funnelResult), "")
	}
	if cohortResult != nil {
		parts = append(parts, "Cohort Analysis Results:", prettyJSON(cohortResult), "")
	}

	parts = append(parts,
		"Please provide a structured report with the following sections:",
		"1. Overview: High-level summary of the funnel/analysis",
		"2. Metrics: Key numbers and conversion rates",
		"3. Insights: 3-5 actionable insights from the data",
		"4. Recommendations: 2-3 specific recommendations for improvement",
		"",
		"Format the response as a JSON object with these keys: overview, metrics, insights (array), recommendations (array)",
	)

	return strings.Join(parts, "\n")
}

func prettyJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
