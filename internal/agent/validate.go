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
	"math"
)

// Parameter bag keys filled in by the intent resolver
const (
	paramStartDate   = "start_date"
	paramEndDate     = "end_date"
	paramFunnelSteps = "funnel_steps"
	paramUserSegment = "user_segment"
	paramStepIndex   = "step_index"
	paramAnswer      = "answer"
)

// Descriptive entries reported back to the user when a prerequisite is
// missing. They read as "what to provide", not as internal field errors.
const (
	missingStepsTooShort = "funnel_steps (need at least 2 steps)"
	missingFunnelID      = "funnel_id (run funnel analysis first)"
	missingStepIndexType = "step_index (must be a non-negative integer)"
)

// validateParameters checks the routed parameter bag against the selected
// action's requirements. It never fails; every problem becomes a descriptive
// missing_params entry and the transition decider turns a non-empty list
// into an early end of turn.
func validateParameters(state State) State {
	switch state.NextAction {
	case ActionCallFunnel:
		state.MissingParams = missingFunnelParams(state.Parameters)
	case ActionCallCohort:
		state.MissingParams = missingCohortParams(state.Parameters, state.FunnelID)
	default:
		state.MissingParams = nil
	}
	return state
}

// missingFunnelParams reports, in a stable order, what a funnel analysis
// still needs: a start date, an end date, and at least two named steps.
func missingFunnelParams(params map[string]interface{}) []string {
	var missing []string
	for _, field := range []string{paramStartDate, paramEndDate, paramFunnelSteps} {
		if emptyParam(params[field]) {
			missing = append(missing, field)
		}
	}
	if !containsString(missing, paramFunnelSteps) {
		if len(stepNames(params[paramFunnelSteps])) < 2 {
			missing = append(missing, missingStepsTooShort)
		}
	}
	return missing
}

// missingCohortParams reports what a cohort deep-dive still needs. The
// funnel id lives on the session, not in the bag, so a session that never
// ran a funnel analysis is told to run one first. A step index of 0 is
// valid, so presence is checked by key, not by value.
func missingCohortParams(params map[string]interface{}, funnelID string) []string {
	var missing []string
	if funnelID == "" {
		missing = append(missing, missingFunnelID)
	}
	raw, ok := params[paramStepIndex]
	if !ok {
		missing = append(missing, paramStepIndex)
	} else if _, valid := stepIndexValue(raw); !valid {
		missing = append(missing, missingStepIndexType)
	}
	return missing
}

// emptyParam mirrors the resolver contract: absent, nil, empty string, and
// empty list all count as "not provided".
func emptyParam(v interface{}) bool {
	switch value := v.(type) {
	case nil:
		return true
	case string:
		return value == ""
	case []interface{}:
		return len(value) == 0
	case []string:
		return len(value) == 0
	default:
		return false
	}
}

// stepNames normalizes the resolver's step list into non-empty event names.
// Function-call arguments arrive as []interface{} after JSON decoding; a
// []string is accepted for callers that build the bag directly.
func stepNames(v interface{}) []string {
	var steps []string
	switch value := v.(type) {
	case []string:
		steps = value
	case []interface{}:
		for _, entry := range value {
			if name, ok := entry.(string); ok {
				steps = append(steps, name)
			}
		}
	default:
		return nil
	}
	named := make([]string, 0, len(steps))
	for _, name := range steps {
		if name != "" {
			named = append(named, name)
		}
	}
	return named
}

// stepIndexValue extracts a non-negative integer step index from the bag.
// JSON decoding delivers numbers as float64, so integral floats are
// accepted; fractional or negative values are not.
func stepIndexValue(v interface{}) (int, bool) {
	switch value := v.(type) {
	case int:
		if value < 0 {
			return 0, false
		}
		return value, true
	case float64:
		if value < 0 || value != math.Trunc(value) {
			return 0, false
		}
		return int(value), true
	default:
		return 0, false
	}
}

func containsString(list []string, target string) bool {
	for _, entry := range list {
		if entry == target {
			return true
		}
	}
	return false
}
