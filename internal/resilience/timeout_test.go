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
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestWithTimeout_Success(t *testing.T) {
	err := WithTimeout(context.Background(), 100*time.Millisecond, nil, func(_ context.Context) error {
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
}

func TestWithTimeout_FunctionError(t *testing.T) {
	logger := zap.NewNop()
	fnErr := errors.New("function failed")

	err := WithTimeout(context.Background(), 100*time.Millisecond, logger, func(_ context.Context) error {
		return fnErr
	})

	if !errors.Is(err, fnErr) {
		t.Errorf("Expected function error, got %v", err)
	}
}

func TestWithTimeout_Expires(t *testing.T) {
	logger := zap.NewNop()

	err := WithTimeout(context.Background(), 10*time.Millisecond, logger, func(_ context.Context) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	if err == nil {
		t.Fatal("Expected timeout error, got nil")
	}

	var serviceErr *ServiceError
	if !AsServiceError(err, &serviceErr) {
		t.Fatalf("Expected ServiceError, got %v", err)
	}
	if serviceErr.Code != ErrorCodeTimeout {
		t.Errorf("Expected ErrorCodeTimeout, got %s", serviceErr.Code)
	}
	if !serviceErr.Retryable {
		t.Error("Expected timeout error to be retryable")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected wrapped deadline error, got %v", serviceErr.Unwrap())
	}
}

func TestWithTimeout_DerivedContextHasDeadline(t *testing.T) {
	logger := zap.NewNop()
	timeout := 50 * time.Millisecond

	var deadlineSet bool
	err := WithTimeout(context.Background(), timeout, logger, func(ctx context.Context) error {
		_, deadlineSet = ctx.Deadline()
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if !deadlineSet {
		t.Error("Expected the function context to carry a deadline")
	}
}
