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

// Package analytics provides the typed request and response models for the
// funnel analytics service and an HTTP client with bounded retries.
package analytics

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var analyticsValidate *validator.Validate

func init() {
	analyticsValidate = validator.New()
}

// Timestamp layouts accepted from the resolver. Function-call arguments
// usually carry full RFC 3339 timestamps but plain dates appear too.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// FunnelParameters describes one funnel analysis request
type FunnelParameters struct {
	StartDate   time.Time `json:"start_date" validate:"required"`
	EndDate     time.Time `json:"end_date" validate:"required"`
	FunnelSteps []string  `json:"funnel_steps" validate:"required,min=2,dive,required"`
	UserSegment string    `json:"user_segment,omitempty"`
}

// Validate checks the parameters against their declared constraints
func (p FunnelParameters) Validate() error {
	return analyticsValidate.Struct(p)
}

// CohortParameters describes one cohort deep-dive request. The funnel id
// comes from a previous funnel analysis on the same session.
type CohortParameters struct {
	FunnelID  string `json:"funnel_id" validate:"required"`
	StepIndex int    `json:"step_index" validate:"gte=0"`
}

// Validate checks the parameters against their declared constraints
func (p CohortParameters) Validate() error {
	return analyticsValidate.Struct(p)
}

// FunnelParametersFromBag builds typed funnel parameters from the loosely
// typed bag the resolver produced. The bag has already passed presence
// validation; this layer parses timestamps and enforces the declared
// constraints before anything goes on the wire.
func FunnelParametersFromBag(bag map[string]interface{}) (FunnelParameters, error) {
	var params FunnelParameters

	start, err := parseTimestamp(bag["start_date"])
	if err != nil {
		return params, fmt.Errorf("invalid start_date: %w", err)
	}
	end, err := parseTimestamp(bag["end_date"])
	if err != nil {
		return params, fmt.Errorf("invalid end_date: %w", err)
	}

	params = FunnelParameters{
		StartDate:   start,
		EndDate:     end,
		FunnelSteps: stringList(bag["funnel_steps"]),
	}
	if segment, ok := bag["user_segment"].(string); ok {
		params.UserSegment = segment
	}

	if err := params.Validate(); err != nil {
		return params, fmt.Errorf("invalid funnel parameters: %w", err)
	}
	return params, nil
}

// CohortParametersFromBag builds typed cohort parameters from the session's
// funnel id and the routed bag
func CohortParametersFromBag(funnelID string, bag map[string]interface{}) (CohortParameters, error) {
	var params CohortParameters

	index, err := intValue(bag["step_index"])
	if err != nil {
		return params, fmt.Errorf("invalid step_index: %w", err)
	}

	params = CohortParameters{
		FunnelID:  funnelID,
		StepIndex: index,
	}
	if err := params.Validate(); err != nil {
		return params, fmt.Errorf("invalid cohort parameters: %w", err)
	}
	return params, nil
}

// FunnelStep is one step of an analyzed funnel. DropOff is nil for the
// entry step, which has nothing to drop from.
type FunnelStep struct {
	StepIndex      int     `json:"step_index"`
	Name           string  `json:"name"`
	Users          int     `json:"users"`
	ConversionRate float64 `json:"conversion_rate"`
	DropOff        *int    `json:"drop_off"`
}

// DateRange is the analyzed period, dates only
type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// FunnelResult is the funnel analysis response. FunnelID is the handle a
// later cohort deep-dive refers back to.
type FunnelResult struct {
	FunnelID          string       `json:"funnel_id"`
	Steps             []FunnelStep `json:"steps"`
	OverallConversion float64      `json:"overall_conversion"`
	TotalUsers        int          `json:"total_users"`
	DateRange         DateRange    `json:"date_range"`
}

// CohortGroup describes one side of a converted-versus-dropped comparison
type CohortGroup struct {
	Count           int                    `json:"count"`
	Characteristics map[string]interface{} `json:"characteristics"`
}

// CohortInsights carries the notable differences between the two groups
type CohortInsights struct {
	KeyDifferences []string `json:"key_differences"`
}

// CohortResult is the cohort deep-dive response for a single funnel step
type CohortResult struct {
	StepName  string         `json:"step_name"`
	StepIndex int            `json:"step_index"`
	Converted CohortGroup    `json:"converted"`
	Dropped   CohortGroup    `json:"dropped"`
	Insights  CohortInsights `json:"insights"`
}

// parseTimestamp accepts the timestamp shapes the resolver emits
func parseTimestamp(v interface{}) (time.Time, error) {
	raw, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("expected a timestamp string, got %T", v)
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// stringList flattens a JSON-decoded list into strings, dropping anything
// that is not one
func stringList(v interface{}) []string {
	switch value := v.(type) {
	case []string:
		return value
	case []interface{}:
		list := make([]string, 0, len(value))
		for _, entry := range value {
			if s, ok := entry.(string); ok {
				list = append(list, s)
			}
		}
		return list
	default:
		return nil
	}
}

// intValue extracts an integer from a JSON-decoded value. Numbers arrive
// as float64 after decoding; fractional values are rejected rather than
// silently truncated.
func intValue(v interface{}) (int, error) {
	switch value := v.(type) {
	case int:
		return value, nil
	case float64:
		if value != float64(int(value)) {
			return 0, fmt.Errorf("expected an integer, got %v", value)
		}
		return int(value), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
