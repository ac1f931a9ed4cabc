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

// Package health aggregates dependency probes into a single service
// health report and serves it over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// StatusHealthy means the dependency is fully operational.
	StatusHealthy = "healthy"
	// StatusDegraded means the dependency works but with reduced capacity.
	StatusDegraded = "degraded"
	// StatusUnhealthy means the dependency is unusable.
	StatusUnhealthy = "unhealthy"

	// DefaultTimeout bounds a full round of checks.
	DefaultTimeout = 5 * time.Second
)

// statusRank orders statuses by severity so the worst one wins.
var statusRank = map[string]int{
	StatusHealthy:   0,
	StatusDegraded:  1,
	StatusUnhealthy: 2,
}

// CheckResult is the outcome of probing one dependency.
type CheckResult struct {
	Status    string                 `json:"status"`
	Latency   time.Duration          `json:"latency"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// HealthResponse is the aggregate report returned by the health endpoint.
type HealthResponse struct {
	Status       string                 `json:"status"`
	Service      string                 `json:"service"`
	Version      string                 `json:"version"`
	Environment  string                 `json:"environment"`
	Uptime       time.Duration          `json:"uptime"`
	Dependencies map[string]CheckResult `json:"dependencies"`
	Metadata     map[string]interface{} `json:"metadata"`
	Timestamp    time.Time              `json:"timestamp"`
}

// Checker probes a single dependency.
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a plain function to the Checker interface.
type CheckerFunc func(ctx context.Context) CheckResult

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context) CheckResult {
	return f(ctx)
}

// Manager runs registered checkers and assembles the service report.
type Manager struct {
	serviceName string
	version     string
	startTime   time.Time
	checkers    map[string]Checker
	timeout     time.Duration
	logger      *zap.Logger
}

// NewManager creates a Manager with no checkers registered.
func NewManager(serviceName, version string, logger *zap.Logger) *Manager {
	return &Manager{
		serviceName: serviceName,
		version:     version,
		startTime:   time.Now(),
		checkers:    make(map[string]Checker),
		timeout:     DefaultTimeout,
		logger:      logger,
	}
}

// SetTimeout replaces the deadline applied to each round of checks.
func (m *Manager) SetTimeout(timeout time.Duration) {
	m.timeout = timeout
}

// AddChecker registers a dependency probe under the given name.
func (m *Manager) AddChecker(name string, checker Checker) {
	m.checkers[name] = checker
}

// AddCheckerFunc registers a plain function as a dependency probe.
func (m *Manager) AddCheckerFunc(name string, checkFunc func(ctx context.Context) CheckResult) {
	m.checkers[name] = CheckerFunc(checkFunc)
}

// Check runs every registered probe and reports the worst status seen.
// Probes run concurrently under a shared deadline, so one slow
// dependency does not starve the others.
func (m *Manager) Check(ctx context.Context) HealthResponse {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var (
		mu           sync.Mutex
		wg           sync.WaitGroup
		dependencies = make(map[string]CheckResult, len(m.checkers))
	)

	for name, checker := range m.checkers {
		name, checker := name, checker
		wg.Add(1)
		go func() {
			defer wg.Done()

			start := time.Now()
			result := checker.Check(ctx)
			result.Latency = time.Since(start)
			result.Timestamp = time.Now()

			mu.Lock()
			dependencies[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	for _, result := range dependencies {
		if statusRank[result.Status] > statusRank[overall] {
			overall = result.Status
		}
	}

	return HealthResponse{
		Status:       overall,
		Service:      m.serviceName,
		Version:      m.version,
		Environment:  environmentName(),
		Uptime:       time.Since(m.startTime),
		Dependencies: dependencies,
		Metadata:     runtimeMetadata(),
		Timestamp:    time.Now(),
	}
}

// HTTPHandler serves the aggregate report as JSON. An unhealthy service
// answers 503 so load balancers take it out of rotation; healthy and
// degraded both answer 200.
func (m *Manager) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		report := m.Check(r.Context())

		statusCode := http.StatusOK
		if report.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(report); err != nil {
			m.logger.Error("Failed to write health check response", zap.Error(err))
		}
	}
}

func runtimeMetadata() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return map[string]interface{}{
		"go_version":   runtime.Version(),
		"goroutines":   runtime.NumGoroutine(),
		"memory_alloc": memStats.Alloc,
		"gc_runs":      memStats.NumGC,
		"hostname":     hostname,
		"process_id":   os.Getpid(),
	}
}

func environmentName() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "unknown"
}

// HTTPHealthChecker probes an HTTP endpoint. Any response below 400
// counts as healthy. A nil client gets a default with a sane timeout.
func HTTPHealthChecker(url string, client *http.Client) Checker {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}

	return CheckerFunc(func(ctx context.Context) CheckResult {
		start := time.Now()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return failedCheck(start, fmt.Sprintf("failed to create request: %v", err))
		}

		resp, err := client.Do(req)
		if err != nil {
			return failedCheck(start, fmt.Sprintf("request failed: %v", err))
		}
		defer func() { _ = resp.Body.Close() }()

		status := StatusHealthy
		if resp.StatusCode >= 400 {
			status = StatusUnhealthy
		}

		return CheckResult{
			Status:    status,
			Latency:   time.Since(start),
			Timestamp: time.Now(),
			Metadata: map[string]interface{}{
				"url":         url,
				"status_code": resp.StatusCode,
			},
		}
	})
}

// DatabaseHealthChecker probes a database through its ping function.
func DatabaseHealthChecker(name string, pingFunc func(ctx context.Context) error) Checker {
	return CheckerFunc(func(ctx context.Context) CheckResult {
		start := time.Now()

		if err := pingFunc(ctx); err != nil {
			return failedCheck(start, fmt.Sprintf("database ping failed: %v", err))
		}

		return CheckResult{
			Status:    StatusHealthy,
			Latency:   time.Since(start),
			Timestamp: time.Now(),
			Metadata: map[string]interface{}{
				"database": name,
			},
		}
	})
}

func failedCheck(start time.Time, message string) CheckResult {
	return CheckResult{
		Status:    StatusUnhealthy,
		Error:     message,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
}
