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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/your-org/funnel-agent/internal/resilience"
)

// fastClient builds a client whose retry delays will not slow the test
// suite down. The production delays start at two seconds.
func fastClient(baseURL string, attempts int) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 2 * time.Second},
		backoff: resilience.BackoffConfig{
			BaseDelay:   5 * time.Millisecond,
			MaxRetries:  attempts - 1,
			MaxDelay:    20 * time.Millisecond,
			Multiplier:  2.0,
			Jitter:      false,
			RetryOnFunc: transientError,
		},
		logger: zap.NewNop(),
	}
}

func validFunnelParams() FunnelParameters {
	return FunnelParameters{
		StartDate:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		FunnelSteps: []string{"visit", "signup"},
	}
}

func funnelResultJSON() string {
	return `{
		"funnel_id": "fnl_abc123def456",
		"steps": [
			{"step_index": 0, "name": "visit", "users": 10000, "conversion_rate": 100.0, "drop_off": null},
			{"step_index": 1, "name": "signup", "users": 6500, "conversion_rate": 65.0, "drop_off": 3500}
		],
		"overall_conversion": 65.0,
		"total_users": 10000,
		"date_range": {"start": "2024-01-01", "end": "2024-01-31"}
	}`
}

func TestAnalyzeFunnelSuccess(t *testing.T) {
	var gotPath, gotContentType string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, funnelResultJSON())
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, zap.NewNop())
	result, err := client.AnalyzeFunnel(context.Background(), validFunnelParams())

	assert.NoError(t, err)
	assert.Equal(t, "/funnel-analysis", gotPath)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "2024-01-01T00:00:00Z", gotBody["start_date"])
	assert.Equal(t, "2024-01-31T00:00:00Z", gotBody["end_date"])
	assert.Equal(t, []interface{}{"visit", "signup"}, gotBody["funnel_steps"])
	// An unset segment stays off the wire entirely
	assert.NotContains(t, gotBody, "user_segment")

	assert.Equal(t, "fnl_abc123def456", result.FunnelID)
	assert.Len(t, result.Steps, 2)
	assert.Nil(t, result.Steps[0].DropOff)
	if assert.NotNil(t, result.Steps[1].DropOff) {
		assert.Equal(t, 3500, *result.Steps[1].DropOff)
	}
	assert.Equal(t, 65.0, result.OverallConversion)
	assert.Equal(t, 10000, result.TotalUsers)
}

func TestAnalyzeFunnelValidatesBeforeSending(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, zap.NewNop())
	params := validFunnelParams()
	params.FunnelSteps = []string{"visit"}

	_, err := client.AnalyzeFunnel(context.Background(), params)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid funnel parameters")
	assert.Zero(t, requests)
}

func TestAnalyzeFunnelRetriesTransportFailures(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer does not support hijacking")
				return
			}
			conn, _, err := hj.Hijack()
			if err != nil {
				t.Errorf("hijack failed: %v", err)
				return
			}
			_ = conn.Close()
			return
		}
		fmt.Fprint(w, funnelResultJSON())
	}))
	defer srv.Close()

	client := fastClient(srv.URL, 3)
	result, err := client.AnalyzeFunnel(context.Background(), validFunnelParams())

	assert.NoError(t, err)
	assert.Equal(t, 3, requests)
	assert.Equal(t, "fnl_abc123def456", result.FunnelID)
}

func TestAnalyzeFunnelDoesNotRetryAPIErrors(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"detail":"analysis engine exploded"}`)
	}))
	defer srv.Close()

	client := fastClient(srv.URL, 3)
	_, err := client.AnalyzeFunnel(context.Background(), validFunnelParams())

	assert.Equal(t, 1, requests)

	var apiErr *APIError
	if assert.ErrorAs(t, err, &apiErr) {
		assert.Equal(t, "Funnel", apiErr.Service)
		assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
		assert.Contains(t, apiErr.Body, "analysis engine exploded")
	}
	assert.Contains(t, err.Error(), "Funnel API returned error 500:")
}

func TestAnalyzeFunnelDoesNotRetryMalformedSuccess(t *testing.T) {
	requests := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		fmt.Fprint(w, "this is not json")
	}))
	defer srv.Close()

	client := fastClient(srv.URL, 3)
	_, err := client.AnalyzeFunnel(context.Background(), validFunnelParams())

	assert.Error(t, err)
	assert.Equal(t, 1, requests)
}

func TestAnalyzeFunnelReturnsLastTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := fastClient(srv.URL, 2)
	_, err := client.AnalyzeFunnel(context.Background(), validFunnelParams())

	assert.Error(t, err)

	// After the retries run out the raw transport error surfaces so
	// callers can still classify it
	var urlErr *url.Error
	assert.ErrorAs(t, err, &urlErr)
	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestAnalyzeCohortSuccess(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{
			"step_name": "signup",
			"step_index": 1,
			"converted": {"count": 6500, "characteristics": {"avg_age": 27.4}},
			"dropped": {"count": 3500, "characteristics": {"avg_age": 31.2}},
			"insights": {"key_differences": ["Converted users are younger"]}
		}`)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, 2*time.Second, zap.NewNop())
	result, err := client.AnalyzeCohort(context.Background(), CohortParameters{
		FunnelID:  "fnl_abc123def456",
		StepIndex: 1,
	})

	assert.NoError(t, err)
	assert.Equal(t, "/cohort-analysis", gotPath)
	assert.Equal(t, "fnl_abc123def456", gotBody["funnel_id"])
	assert.Equal(t, float64(1), gotBody["step_index"])

	assert.Equal(t, "signup", result.StepName)
	assert.Equal(t, 6500, result.Converted.Count)
	assert.Equal(t, 3500, result.Dropped.Count)
	assert.Equal(t, []string{"Converted users are younger"}, result.Insights.KeyDifferences)
}

func TestAnalyzeCohortValidatesBeforeSending(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", 2*time.Second, zap.NewNop())

	_, err := client.AnalyzeCohort(context.Background(), CohortParameters{StepIndex: 1})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cohort parameters")
}

func TestAnalyzeCohortAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"Funnel ID 'fnl_missing' not found. Run funnel analysis first."}`)
	}))
	defer srv.Close()

	client := fastClient(srv.URL, 3)
	_, err := client.AnalyzeCohort(context.Background(), CohortParameters{
		FunnelID:  "fnl_missing",
		StepIndex: 0,
	})

	var apiErr *APIError
	if assert.ErrorAs(t, err, &apiErr) {
		assert.Equal(t, "Cohort", apiErr.Service)
		assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	}
	assert.Contains(t, err.Error(), "Cohort API returned error 404:")
	assert.Contains(t, err.Error(), "not found")
}

func TestNewClientDefaults(t *testing.T) {
	client := NewClient("http://analytics:8080/api/", 0, zap.NewNop())

	assert.Equal(t, "http://analytics:8080/api", client.baseURL)
	assert.Equal(t, DefaultTimeoutSeconds*time.Second, client.httpClient.Timeout)
	assert.Equal(t, RetryMaxAttempts-1, client.backoff.MaxRetries)
	assert.False(t, client.backoff.Jitter)
}

func TestTransientError(t *testing.T) {
	syntaxErr := json.Unmarshal([]byte("not json"), &map[string]interface{}{})
	typeErr := json.Unmarshal([]byte(`{"funnel_id": 42}`), &FunnelResult{})

	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"plain transport failure", errors.New("connection refused"), true},
		{"api error", &APIError{Service: "Funnel", StatusCode: 500}, false},
		{"wrapped api error", fmt.Errorf("call failed: %w", &APIError{StatusCode: 404}), false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"malformed body", syntaxErr, false},
		{"mistyped body", typeErr, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, transientError(tt.err))
		})
	}
}
