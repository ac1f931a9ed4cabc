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

// Package resolver wraps the OpenAI chat API for the two model-backed
// capabilities of the agent: routing a user message to an action via
// function calling, and synthesizing analysis results into a report.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/your-org/funnel-agent/internal/analytics"
	"github.com/your-org/funnel-agent/internal/resilience"
)

const (
	// DefaultModel is used when no model is configured
	DefaultModel = "gpt-4o"
	// RoutingTemperature keeps action selection near-deterministic
	RoutingTemperature = 0.1
	// SynthesisTemperature allows some variation in report wording
	SynthesisTemperature = 0.3
	// RequestTimeout bounds a single model call
	RequestTimeout = 30 * time.Second
	// MaxRetries is the number of retries after a failed model call
	MaxRetries = 2
	// BaseRetryDelay is the first retry delay; later delays double
	BaseRetryDelay = time.Second
)

// Client talks to the chat model. Calls run through a circuit breaker so a
// degraded model backend fails fast instead of stalling every turn, and
// transient failures (rate limits, backend errors, timeouts) are retried
// with exponential backoff.
type Client struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	retry   resilience.BackoffConfig
	breaker *resilience.CircuitBreaker
	logger  *zap.Logger
}

// NewClient creates a resolver client. endpoint overrides the default API
// base URL for OpenAI-compatible backends; the key format check only
// applies when talking to OpenAI itself.
func NewClient(apiKey, endpoint, model string, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if endpoint == "" && !strings.HasPrefix(apiKey, "sk-") {
		return nil, fmt.Errorf("invalid API key format")
	}
	if model == "" {
		model = DefaultModel
	}

	config := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		config.BaseURL = endpoint
	}

	client := &Client{
		api:     openai.NewClientWithConfig(config),
		model:   model,
		timeout: RequestTimeout,
		retry: resilience.BackoffConfig{
			BaseDelay:   BaseRetryDelay,
			MaxRetries:  MaxRetries,
			MaxDelay:    resilience.DefaultMaxDelaySeconds * time.Second,
			Multiplier:  resilience.DefaultMultiplier,
			Jitter:      true,
			RetryOnFunc: resilience.IsRetryable,
		},
		breaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("resolver"), logger),
		logger:  logger,
	}

	logger.Info("Resolver client initialized",
		zap.String("model", model),
		zap.Bool("custom_endpoint", endpoint != ""))

	return client, nil
}

// Route asks the model which action fulfills the user's message. The
// session's existing results are included so questions about known data
// resolve to answer_from_memory instead of a fresh analysis. When the
// model answers in prose without selecting a tool, that prose becomes an
// answer_from_memory action.
func (c *Client) Route(ctx context.Context, userMessage, funnelID string, funnelResult *analytics.FunnelResult, cohortResult *analytics.CohortResult) (string, map[string]interface{}, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: routingSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildRoutingContext(userMessage, funnelID, funnelResult, cohortResult)},
		},
		Tools:       routingTools(),
		ToolChoice:  "auto",
		Temperature: RoutingTemperature,
	}

	resp, err := c.complete(ctx, req)
	if err != nil {
		return "", nil, err
	}

	message := resp.Choices[0].Message
	if len(message.ToolCalls) > 0 {
		call := message.ToolCalls[0]
		var params map[string]interface{}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &params); err != nil {
			return "", nil, fmt.Errorf("failed to decode %s arguments: %w", call.Function.Name, err)
		}

		c.logger.Debug("Routing decision made",
			zap.String("action", call.Function.Name),
			zap.Int("parameter_count", len(params)))

		return call.Function.Name, params, nil
	}

	answer := message.Content
	if answer == "" {
		answer = "I don't have enough information to answer that."
	}
	c.logger.Debug("Routing produced a direct answer, no tool selected")

	return ToolAnswerFromMemory, map[string]interface{}{
		"answer":    answer,
		"reasoning": "No specific action needed",
	}, nil
}

// Synthesize asks the model for a structured report over the given results
// and returns the raw response content. Parsing and fallbacks are the
// report composer's concern.
func (c *Client) Synthesize(ctx context.Context, funnelResult *analytics.FunnelResult, cohortResult *analytics.CohortResult) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: buildReportPrompt(funnelResult, cohortResult)},
		},
		Temperature: SynthesisTemperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := c.complete(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

// complete runs one chat completion through the breaker, the retry policy,
// and the per-call timeout. The breaker sits outside the retries so a blip
// absorbed by a retry does not count against it. The returned response
// always has at least one choice.
func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.WithExponentialBackoff(ctx, c.logger, c.retry, func(ctx context.Context) error {
			return resilience.WithTimeout(ctx, c.timeout, c.logger, func(ctx context.Context) error {
				result, err := c.api.CreateChatCompletion(ctx, req)
				if err != nil {
					return c.classifyError(err)
				}
				if len(result.Choices) == 0 {
					return resilience.NewDependencyFailureError("no choices returned from model", nil)
				}
				resp = result
				return nil
			})
		})
	})
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return resp, nil
}

// classifyError maps model API failures onto the shared service error
// taxonomy so the retry policy knows which ones are worth another attempt
func (c *Client) classifyError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			return resilience.NewUnauthorizedError("invalid API key or unauthorized access", err)
		case http.StatusTooManyRequests:
			return resilience.NewTooManyRequestsError("model rate limit exceeded", err)
		case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return resilience.NewDependencyFailureError(fmt.Sprintf("model backend error (status %d)", apiErr.HTTPStatusCode), err)
		default:
			return fmt.Errorf("model API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
	}
	return err
}

// BreakerStats exposes the circuit breaker state for health reporting
func (c *Client) BreakerStats() resilience.CircuitBreakerStats {
	return c.breaker.GetStats()
}
