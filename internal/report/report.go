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

// Package report composes structured analysis reports from funnel and
// cohort results and renders them as conversation text.
package report

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/your-org/funnel-agent/internal/analytics"
)

// OverviewTruncateLimit caps the overview taken from an unparseable
// synthesis response
const OverviewTruncateLimit = 500

// Report is the structured analysis summary shown to the user
type Report struct {
	Overview        string                 `json:"overview"`
	Metrics         map[string]interface{} `json:"metrics"`
	Insights        []string               `json:"insights"`
	Recommendations []string               `json:"recommendations"`
}

// Synthesizer produces the raw report content for a set of results. The
// composer owns parsing and every fallback; implementations just call the
// model.
type Synthesizer interface {
	Synthesize(ctx context.Context, funnelResult *analytics.FunnelResult, cohortResult *analytics.CohortResult) (string, error)
}

// Composer turns analysis results into a Report. Synthesis and parsing
// failures degrade to deterministic fallback reports so a finished
// analysis always reaches the user; Compose only errors when called with
// no results at all.
type Composer struct {
	synth  Synthesizer
	logger *zap.Logger
}

// NewComposer creates a report composer
func NewComposer(synth Synthesizer, logger *zap.Logger) *Composer {
	return &Composer{
		synth:  synth,
		logger: logger,
	}
}

// Compose builds a report from whichever results are present
func (c *Composer) Compose(ctx context.Context, funnelResult *analytics.FunnelResult, cohortResult *analytics.CohortResult) (*Report, error) {
	if funnelResult == nil && cohortResult == nil {
		return nil, fmt.Errorf("at least one analysis result is required")
	}

	raw, err := c.synth.Synthesize(ctx, funnelResult, cohortResult)
	if err != nil {
		c.logger.Warn("Report synthesis failed, using fallback report",
			zap.Error(err))
		return synthesisFailureReport(err, funnelResult, cohortResult), nil
	}

	rep, err := parseReport(raw)
	if err != nil {
		c.logger.Warn("Report response did not match the expected structure",
			zap.Error(err),
			zap.Int("content_length", len(raw)))
		return unparsedReport(raw), nil
	}

	return rep, nil
}

// parseReport decodes the synthesis response into the expected structure
func parseReport(raw string) (*Report, error) {
	var rep Report
	if err := json.Unmarshal([]byte(raw), &rep); err != nil {
		return nil, err
	}
	if rep.Metrics == nil {
		rep.Metrics = map[string]interface{}{}
	}
	return &rep, nil
}

// synthesisFailureReport is the fallback when the model call itself
// failed. The raw result still reaches the user as metrics, with the
// failure recorded among the insights.
func synthesisFailureReport(cause error, funnelResult *analytics.FunnelResult, cohortResult *analytics.CohortResult) *Report {
	return &Report{
		Overview:        "Analysis completed",
		Metrics:         resultMetrics(funnelResult, cohortResult),
		Insights:        []string{fmt.Sprintf("Error generating insights: %s", cause)},
		Recommendations: []string{"Review raw data for details"},
	}
}

// unparsedReport is the fallback when the model answered but not with the
// expected JSON shape. The response text becomes the overview, truncated.
func unparsedReport(raw string) *Report {
	return &Report{
		Overview:        truncateRunes(raw, OverviewTruncateLimit),
		Metrics:         map[string]interface{}{},
		Insights:        []string{"Failed to parse detailed insights"},
		Recommendations: []string{"Review the analysis data manually"},
	}
}

// resultMetrics flattens the preferred result into a generic mapping,
// funnel first since it is the broader view
func resultMetrics(funnelResult *analytics.FunnelResult, cohortResult *analytics.CohortResult) map[string]interface{} {
	var source interface{}
	switch {
	case funnelResult != nil:
		source = funnelResult
	case cohortResult != nil:
		source = cohortResult
	default:
		return map[string]interface{}{}
	}

	data, err := json.Marshal(source)
	if err != nil {
		return map[string]interface{}{}
	}
	var metrics map[string]interface{}
	if err := json.Unmarshal(data, &metrics); err != nil {
		return map[string]interface{}{}
	}
	return metrics
}

// truncateRunes shortens text to at most limit runes, never splitting a
// multi-byte character
func truncateRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
