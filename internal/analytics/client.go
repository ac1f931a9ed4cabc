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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/funnel-agent/internal/resilience"
)

const (
	// DefaultTimeoutSeconds is the per-request timeout for analytics calls
	DefaultTimeoutSeconds = 30
	// RetryMaxAttempts is the total number of tries for a transient failure
	RetryMaxAttempts = 3
	// RetryBaseDelay is the first retry delay; later delays double
	RetryBaseDelay = 2 * time.Second
	// RetryMaxDelay caps the delay between retries
	RetryMaxDelay = 10 * time.Second

	funnelPath = "/funnel-analysis"
	cohortPath = "/cohort-analysis"
)

// APIError is an application-level failure from the analytics service: the
// request arrived but was answered with a non-2xx status. These are never
// retried; the status and body go back to the conversation as-is.
type APIError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API returned error %d: %s", e.Service, e.StatusCode, e.Body)
}

// Client calls the funnel analytics service. Transient transport failures
// are retried with exponential backoff; after the attempts are exhausted
// the last transport error surfaces unmodified.
type Client struct {
	baseURL    string
	httpClient *http.Client
	backoff    resilience.BackoffConfig
	logger     *zap.Logger
}

// NewClient creates an analytics client. baseURL includes the API prefix,
// for example http://localhost:8080/api.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeoutSeconds * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		backoff: resilience.BackoffConfig{
			BaseDelay:   RetryBaseDelay,
			MaxRetries:  RetryMaxAttempts - 1,
			MaxDelay:    RetryMaxDelay,
			Multiplier:  2.0,
			Jitter:      false,
			RetryOnFunc: transientError,
		},
		logger: logger,
	}
}

// funnelRequest is the wire payload for a funnel analysis
type funnelRequest struct {
	StartDate   string   `json:"start_date"`
	EndDate     string   `json:"end_date"`
	FunnelSteps []string `json:"funnel_steps"`
	UserSegment string   `json:"user_segment,omitempty"`
}

// AnalyzeFunnel runs a funnel analysis for the given period and steps
func (c *Client) AnalyzeFunnel(ctx context.Context, params FunnelParameters) (*FunnelResult, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid funnel parameters: %w", err)
	}

	payload := funnelRequest{
		StartDate:   params.StartDate.Format(time.RFC3339),
		EndDate:     params.EndDate.Format(time.RFC3339),
		FunnelSteps: params.FunnelSteps,
		UserSegment: params.UserSegment,
	}

	c.logger.Debug("Calling funnel analysis API",
		zap.Strings("funnel_steps", params.FunnelSteps),
		zap.String("user_segment", params.UserSegment))

	var result FunnelResult
	if err := c.postJSON(ctx, "Funnel", funnelPath, payload, &result); err != nil {
		return nil, err
	}

	c.logger.Info("Funnel analysis completed",
		zap.String("funnel_id", result.FunnelID),
		zap.Int("step_count", len(result.Steps)),
		zap.Float64("overall_conversion", result.OverallConversion))

	return &result, nil
}

// AnalyzeCohort compares converted and dropped users at one funnel step
func (c *Client) AnalyzeCohort(ctx context.Context, params CohortParameters) (*CohortResult, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cohort parameters: %w", err)
	}

	c.logger.Debug("Calling cohort analysis API",
		zap.String("funnel_id", params.FunnelID),
		zap.Int("step_index", params.StepIndex))

	var result CohortResult
	if err := c.postJSON(ctx, "Cohort", cohortPath, params, &result); err != nil {
		return nil, err
	}

	c.logger.Info("Cohort analysis completed",
		zap.String("step_name", result.StepName),
		zap.Int("converted_count", result.Converted.Count),
		zap.Int("dropped_count", result.Dropped.Count))

	return &result, nil
}

// postJSON sends one request with the retry policy applied. The service
// name only labels application errors for the conversation.
func (c *Client) postJSON(ctx context.Context, service, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", strings.ToLower(service), err)
	}

	return resilience.WithExponentialBackoff(ctx, c.logger, c.backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}

		if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
			return &APIError{
				Service:    service,
				StatusCode: resp.StatusCode,
				Body:       strings.TrimSpace(string(data)),
			}
		}

		return json.Unmarshal(data, out)
	})
}

// transientError reports whether a request failure is worth retrying.
// Application errors carry a status the conversation needs to see, and a
// malformed success body will not improve on a second read; only
// transport-level failures (timeouts, refused connections) qualify.
func transientError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return false
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return false
	}
	return true
}
