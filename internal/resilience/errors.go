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
	"errors"
	"net/http"
)

// ErrorCode identifies a failure category shared across services
type ErrorCode string

const (
	ErrorCodeBadRequest      ErrorCode = "BAD_REQUEST"
	ErrorCodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrorCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrorCodeTooManyRequests ErrorCode = "TOO_MANY_REQUESTS"

	ErrorCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrorCodeTimeout            ErrorCode = "TIMEOUT"
	ErrorCodeDependencyFailure  ErrorCode = "DEPENDENCY_FAILURE"
)

// ServiceError is a classified failure. Retryable marks transient
// categories the backoff primitive may re-attempt; application-level
// rejections must leave it false.
type ServiceError struct {
	Message    string
	Code       ErrorCode
	StatusCode int
	Retryable  bool
	Internal   error
}

func (e *ServiceError) Error() string {
	return e.Message
}

func (e *ServiceError) Unwrap() error {
	return e.Internal
}

// NewServiceError builds a ServiceError; the internal cause may be nil
func NewServiceError(message string, code ErrorCode, statusCode int, internal error) *ServiceError {
	return &ServiceError{
		Message:    message,
		Code:       code,
		StatusCode: statusCode,
		Internal:   internal,
	}
}

// NewBadRequestError classifies a malformed or invalid request
func NewBadRequestError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeBadRequest, http.StatusBadRequest, internal)
}

// NewUnauthorizedError classifies a rejected credential
func NewUnauthorizedError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeUnauthorized, http.StatusUnauthorized, internal)
}

// NewNotFoundError classifies a missing resource
func NewNotFoundError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeNotFound, http.StatusNotFound, internal)
}

// NewTooManyRequestsError classifies a rate limit; retryable since
// limits clear on their own
func NewTooManyRequestsError(message string, internal error) *ServiceError {
	err := NewServiceError(message, ErrorCodeTooManyRequests, http.StatusTooManyRequests, internal)
	err.Retryable = true
	return err
}

// NewInternalError classifies an unexpected failure in this service
func NewInternalError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeInternalError, http.StatusInternalServerError, internal)
}

// NewServiceUnavailableError classifies a dependency that is refusing
// work, typically an open circuit
func NewServiceUnavailableError(message string, internal error) *ServiceError {
	return NewServiceError(message, ErrorCodeServiceUnavailable, http.StatusServiceUnavailable, internal)
}

// NewTimeoutError classifies an expired deadline; retryable
func NewTimeoutError(message string, internal error) *ServiceError {
	err := NewServiceError(message, ErrorCodeTimeout, http.StatusRequestTimeout, internal)
	err.Retryable = true
	return err
}

// NewDependencyFailureError classifies a failing upstream; retryable
func NewDependencyFailureError(message string, internal error) *ServiceError {
	err := NewServiceError(message, ErrorCodeDependencyFailure, http.StatusBadGateway, internal)
	err.Retryable = true
	return err
}

// AsServiceError finds a ServiceError anywhere in err's chain
func AsServiceError(err error, target **ServiceError) bool {
	if err == nil {
		return false
	}
	return errors.As(err, target)
}

// IsRetryable reports whether err carries a retryable classification.
// Unclassified errors are not retryable; callers that want to retry raw
// transport failures supply their own predicate.
func IsRetryable(err error) bool {
	var serviceErr *ServiceError
	if !AsServiceError(err, &serviceErr) {
		return false
	}
	return serviceErr.Retryable
}
