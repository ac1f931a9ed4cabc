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

// Package resilience holds the remote-call primitives shared by the
// analytics and model clients: bounded exponential backoff, a circuit
// breaker, per-call timeouts, and the classified service errors the
// retry predicates key off.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxRetries is the retry budget after the first attempt
	DefaultMaxRetries = 3
	// DefaultMaxDelaySeconds caps the wait between attempts
	DefaultMaxDelaySeconds = 30
	// DefaultMultiplier is the growth factor between waits
	DefaultMultiplier = 2.0
)

// BackoffConfig tunes retry behavior. MaxRetries counts attempts after
// the first, so a call runs at most MaxRetries+1 times. RetryOnFunc
// decides which failures are worth another attempt; nil means retry
// everything except context cancellation.
type BackoffConfig struct {
	BaseDelay   time.Duration
	MaxRetries  int
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	RetryOnFunc func(error) bool
}

// DefaultBackoffConfig starts at 1s and doubles up to 30s with jitter
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:   time.Second,
		MaxRetries:  DefaultMaxRetries,
		MaxDelay:    DefaultMaxDelaySeconds * time.Second,
		Multiplier:  DefaultMultiplier,
		Jitter:      true,
		RetryOnFunc: DefaultRetryOnFunc,
	}
}

// DefaultRetryOnFunc retries everything except a cancelled or expired
// context, which no amount of waiting will fix
func DefaultRetryOnFunc(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// RetryFunc is one attempt of a retryable operation
type RetryFunc func(ctx context.Context) error

// WithExponentialBackoff runs fn until it succeeds, fails permanently,
// or the retry budget runs out. The last failure is returned exactly as
// fn produced it so callers can classify it themselves.
func WithExponentialBackoff(ctx context.Context, logger *zap.Logger, config BackoffConfig, fn RetryFunc) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	retryOn := config.RetryOnFunc
	if retryOn == nil {
		retryOn = DefaultRetryOnFunc
	}

	attempts := config.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info("Call recovered after retrying",
					zap.Int("attempt", attempt),
					zap.Int("budget", attempts))
			}
			return nil
		}

		if !retryOn(lastErr) {
			logger.Debug("Failure is permanent, not retrying",
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			return lastErr
		}
		if attempt == attempts {
			break
		}

		wait := config.waitBefore(attempt + 1)
		logger.Debug("Backing off before next attempt",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(lastErr))
		if err := sleepContext(ctx, wait); err != nil {
			return err
		}
	}

	logger.Warn("Retry budget exhausted",
		zap.Int("attempts", attempts),
		zap.Error(lastErr))
	return lastErr
}

// waitBefore computes the delay ahead of the given attempt number. The
// second attempt waits BaseDelay; each later attempt multiplies the
// previous wait, capped at MaxDelay, with up to 10% jitter either way.
func (c BackoffConfig) waitBefore(attempt int) time.Duration {
	wait := c.BaseDelay
	for i := 2; i < attempt; i++ {
		wait = time.Duration(float64(wait) * c.Multiplier)
		if wait >= c.MaxDelay {
			wait = c.MaxDelay
			break
		}
	}
	if wait > c.MaxDelay {
		wait = c.MaxDelay
	}
	if c.Jitter && wait > 0 {
		spread := int64(wait / 10)
		if spread > 0 {
			wait += time.Duration(rand.Int63n(2*spread) - spread)
		}
	}
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
