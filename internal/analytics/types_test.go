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

package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFunnelParametersFromBag(t *testing.T) {
	bag := map[string]interface{}{
		"start_date":   "2024-01-01T00:00:00Z",
		"end_date":     "2024-01-31T23:59:59Z",
		"funnel_steps": []interface{}{"visit", "signup", "purchase"},
		"user_segment": "mobile",
	}

	params, err := FunnelParametersFromBag(bag)

	assert.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), params.StartDate)
	assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC), params.EndDate)
	assert.Equal(t, []string{"visit", "signup", "purchase"}, params.FunnelSteps)
	assert.Equal(t, "mobile", params.UserSegment)
}

func TestFunnelParametersFromBagTimestampShapes(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"rfc3339", "2024-03-15T10:30:00Z", "2024-03-15"},
		{"no timezone", "2024-03-15T10:30:00", "2024-03-15"},
		{"date only", "2024-03-15", "2024-03-15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := FunnelParametersFromBag(map[string]interface{}{
				"start_date":   tt.value,
				"end_date":     "2024-03-31",
				"funnel_steps": []string{"visit", "signup"},
			})
			assert.NoError(t, err)
			assert.Equal(t, tt.want, params.StartDate.Format("2006-01-02"))
		})
	}
}

func TestFunnelParametersFromBagOptionalSegment(t *testing.T) {
	params, err := FunnelParametersFromBag(map[string]interface{}{
		"start_date":   "2024-01-01",
		"end_date":     "2024-01-31",
		"funnel_steps": []string{"visit", "signup"},
	})

	assert.NoError(t, err)
	assert.Empty(t, params.UserSegment)
}

func TestFunnelParametersFromBagErrors(t *testing.T) {
	tests := []struct {
		name    string
		bag     map[string]interface{}
		errText string
	}{
		{
			name: "start date absent",
			bag: map[string]interface{}{
				"end_date":     "2024-01-31",
				"funnel_steps": []string{"visit", "signup"},
			},
			errText: "invalid start_date",
		},
		{
			name: "start date not a string",
			bag: map[string]interface{}{
				"start_date":   42,
				"end_date":     "2024-01-31",
				"funnel_steps": []string{"visit", "signup"},
			},
			errText: "invalid start_date",
		},
		{
			name: "unrecognized date format",
			bag: map[string]interface{}{
				"start_date":   "01/15/2024",
				"end_date":     "2024-01-31",
				"funnel_steps": []string{"visit", "signup"},
			},
			errText: "invalid start_date",
		},
		{
			name: "end date absent",
			bag: map[string]interface{}{
				"start_date":   "2024-01-01",
				"funnel_steps": []string{"visit", "signup"},
			},
			errText: "invalid end_date",
		},
		{
			name: "steps absent",
			bag: map[string]interface{}{
				"start_date": "2024-01-01",
				"end_date":   "2024-01-31",
			},
			errText: "invalid funnel parameters",
		},
		{
			name: "single step",
			bag: map[string]interface{}{
				"start_date":   "2024-01-01",
				"end_date":     "2024-01-31",
				"funnel_steps": []string{"visit"},
			},
			errText: "invalid funnel parameters",
		},
		{
			name: "blank step name",
			bag: map[string]interface{}{
				"start_date":   "2024-01-01",
				"end_date":     "2024-01-31",
				"funnel_steps": []interface{}{"visit", ""},
			},
			errText: "invalid funnel parameters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FunnelParametersFromBag(tt.bag)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestCohortParametersFromBag(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		index int
	}{
		{"decoded number", float64(1), 1},
		{"native int", 2, 2},
		{"zero", float64(0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := CohortParametersFromBag("fnl_abc123def456", map[string]interface{}{
				"step_index": tt.value,
			})
			assert.NoError(t, err)
			assert.Equal(t, "fnl_abc123def456", params.FunnelID)
			assert.Equal(t, tt.index, params.StepIndex)
		})
	}
}

func TestCohortParametersFromBagErrors(t *testing.T) {
	tests := []struct {
		name     string
		funnelID string
		bag      map[string]interface{}
		errText  string
	}{
		{
			name:     "step index absent",
			funnelID: "fnl_abc123def456",
			bag:      map[string]interface{}{},
			errText:  "invalid step_index",
		},
		{
			name:     "fractional step index",
			funnelID: "fnl_abc123def456",
			bag:      map[string]interface{}{"step_index": 1.5},
			errText:  "invalid step_index",
		},
		{
			name:     "step index as string",
			funnelID: "fnl_abc123def456",
			bag:      map[string]interface{}{"step_index": "2"},
			errText:  "invalid step_index",
		},
		{
			name:     "negative step index",
			funnelID: "fnl_abc123def456",
			bag:      map[string]interface{}{"step_index": float64(-1)},
			errText:  "invalid cohort parameters",
		},
		{
			name:     "no funnel id",
			funnelID: "",
			bag:      map[string]interface{}{"step_index": float64(1)},
			errText:  "invalid cohort parameters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CohortParametersFromBag(tt.funnelID, tt.bag)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errText)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("2024-06-30T08:15:00Z")
	assert.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())
	assert.Equal(t, time.June, ts.Month())

	_, err = parseTimestamp("next tuesday")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unrecognized timestamp")

	_, err = parseTimestamp(nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "expected a timestamp string")
}

func TestStringList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, stringList([]string{"a", "b"}))
	assert.Equal(t, []string{"a", "b"}, stringList([]interface{}{"a", "b"}))
	assert.Equal(t, []string{"a"}, stringList([]interface{}{"a", 42}))
	assert.Nil(t, stringList("a,b"))
	assert.Nil(t, stringList(nil))
}

func TestIntValue(t *testing.T) {
	v, err := intValue(3)
	assert.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = intValue(float64(4))
	assert.NoError(t, err)
	assert.Equal(t, 4, v)

	_, err = intValue(4.5)
	assert.Error(t, err)

	_, err = intValue("4")
	assert.Error(t, err)
}
