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

package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the breaker's admission mode
type CircuitState int

const (
	// CircuitClosed admits every call
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects every call until the reset timeout passes
	CircuitOpen
	// CircuitHalfOpen admits a limited number of probe calls
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned for calls rejected without running
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig tunes when the breaker opens and recovers.
// IsFailureFunc decides which results count against the breaker; nil
// counts every non-nil error.
type CircuitBreakerConfig struct {
	Name                string
	MaxFailures         int
	ResetTimeout        time.Duration
	HalfOpenMaxRequests int
	IsFailureFunc       func(error) bool
}

// DefaultCircuitBreakerConfig opens after 5 consecutive failures and
// probes again a minute later
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                name,
		MaxFailures:         5,
		ResetTimeout:        60 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreakerStats is a point-in-time snapshot for health reporting
type CircuitBreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	Failures        int          `json:"failures"`
	Requests        int          `json:"requests"`
	SuccessfulReqs  int          `json:"successful_requests"`
	FailedReqs      int          `json:"failed_requests"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	LastSuccessTime time.Time    `json:"last_success_time"`
	StateChanged    time.Time    `json:"state_changed"`
}

// CircuitBreaker fails fast once a dependency keeps erroring, giving it
// ResetTimeout to recover before probing with live calls again
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger

	mu           sync.Mutex
	state        CircuitState
	failures     int
	requests     int
	successes    int
	totalFailed  int
	lastFailure  time.Time
	lastSuccess  time.Time
	stateChanged time.Time
}

// NewCircuitBreaker creates a closed breaker with the given tuning
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Circuit breaker created",
		zap.String("name", config.Name),
		zap.Int("max_failures", config.MaxFailures),
		zap.Duration("reset_timeout", config.ResetTimeout))

	return &CircuitBreaker{
		config:       config,
		logger:       logger,
		state:        CircuitClosed,
		stateChanged: time.Now(),
	}
}

// Execute runs fn if the breaker admits it and records the outcome.
// A nil breaker rejects everything.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if cb == nil || !cb.allow() {
		return ErrCircuitBreakerOpen
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// GetStats snapshots the breaker for health endpoints. A nil breaker
// reads as closed.
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	if cb == nil {
		return CircuitBreakerStats{Name: "unknown", State: CircuitClosed}
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.config.Name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requests,
		SuccessfulReqs:  cb.successes,
		FailedReqs:      cb.totalFailed,
		LastFailureTime: cb.lastFailure,
		LastSuccessTime: cb.lastSuccess,
		StateChanged:    cb.stateChanged,
	}
}

// GetState returns the current admission mode
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset force-closes the breaker and forgets accumulated failures
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.logger.Info("Circuit breaker manually reset", zap.String("name", cb.config.Name))
	cb.transition(CircuitClosed)
	cb.failures = 0
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.stateChanged) > cb.config.ResetTimeout {
			cb.transition(CircuitHalfOpen)
			return true
		}
		return false
	case CircuitHalfOpen:
		return cb.requests < cb.config.HalfOpenMaxRequests
	default:
		return false
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.requests++

	failed := err != nil
	if cb.config.IsFailureFunc != nil {
		failed = cb.config.IsFailureFunc(err)
	}

	if failed {
		cb.failures++
		cb.totalFailed++
		cb.lastFailure = time.Now()

		// Any failure while probing reopens immediately
		if cb.state == CircuitHalfOpen ||
			(cb.state == CircuitClosed && cb.failures >= cb.config.MaxFailures) {
			cb.transition(CircuitOpen)
		}
		return
	}

	cb.successes++
	cb.lastSuccess = time.Now()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		if cb.successes >= cb.config.HalfOpenMaxRequests {
			cb.transition(CircuitClosed)
			cb.failures = 0
		}
	}
}

// transition must be called with the lock held. Probing starts with a
// clean request and success count.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.stateChanged = time.Now()
	cb.requests = 0
	if to == CircuitHalfOpen {
		cb.successes = 0
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.config.Name),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("failures", cb.failures))
}
