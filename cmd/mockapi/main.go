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

// Package main provides a mock analytics API for developing and testing
// the funnel agent without real funnel or cohort services. It serves
// randomized but plausible conversion data over the same wire format.
package main

import (
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/your-org/funnel-agent/internal/analytics"
	"github.com/your-org/funnel-agent/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// ServiceName identifies this service in logs
	ServiceName = "mock-analytics"
	// ServiceVersion is the published API version
	ServiceVersion = "1.0.0"
	// DefaultTotalUsers is the cohort size entering every generated funnel
	DefaultTotalUsers = 10000
)

// FunnelRequest represents the JSON payload for funnel analysis
type FunnelRequest struct {
	StartDate   string   `json:"start_date" binding:"required"`
	EndDate     string   `json:"end_date" binding:"required"`
	FunnelSteps []string `json:"funnel_steps" binding:"required,min=2"`
	UserSegment string   `json:"user_segment"`
}

// CohortRequest represents the JSON payload for cohort analysis
type CohortRequest struct {
	FunnelID  string `json:"funnel_id" binding:"required"`
	StepIndex int    `json:"step_index" binding:"gte=0"`
}

// MockServer serves randomized analytics data. Generated funnels are
// remembered by id so cohort requests can refer back to their steps.
type MockServer struct {
	logger  *zap.Logger
	mutex   sync.RWMutex
	funnels map[string][]string
}

// NewMockServer creates a mock analytics server
func NewMockServer(logger *zap.Logger) *MockServer {
	return &MockServer{
		logger:  logger,
		funnels: make(map[string][]string),
	}
}

func main() {
	// Required fields are not validated; the mock needs no credentials
	cfg, err := config.LoadWithOptions(config.LoadOptions{
		ValidateRequired: false,
	})
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initializeLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	server := NewMockServer(logger)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.GET("/", server.handleRoot)
	router.GET("/health", server.handleHealth)
	router.POST("/api/funnel-analysis", server.handleFunnelAnalysis)
	router.POST("/api/cohort-analysis", server.handleCohortAnalysis)

	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Mock.Port)
	}

	logger.Info("Starting mock analytics server",
		zap.String("service", ServiceName),
		zap.String("port", port),
	)

	if err := router.Run(":" + port); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}
}

// initializeLogger creates a logger based on configuration settings
func initializeLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Logging.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	if cfg.Logging.Output == "file" {
		zapConfig.OutputPaths = []string{"mockapi.log"}
		zapConfig.ErrorOutputPaths = []string{"mockapi.log"}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	return zapConfig.Build()
}

// handleRoot returns service information
func (s *MockServer) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":      "Mock Funnel API",
		"version":   ServiceVersion,
		"endpoints": []string{"/api/funnel-analysis", "/api/cohort-analysis"},
	})
}

// handleHealth returns a liveness response
func (s *MockServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleFunnelAnalysis generates a randomized funnel analysis and caches
// the step names under the returned funnel id
func (s *MockServer) handleFunnelAnalysis(c *gin.Context) {
	var req FunnelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"detail": "Invalid request: " + err.Error(),
		})
		return
	}

	funnelID := "fnl_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	steps, overallConversion := generateFunnelSteps(req.FunnelSteps, DefaultTotalUsers)

	response := analytics.FunnelResult{
		FunnelID:          funnelID,
		Steps:             steps,
		OverallConversion: math.Round(overallConversion*100) / 100,
		TotalUsers:        steps[0].Users,
		DateRange: analytics.DateRange{
			Start: dateOnly(req.StartDate),
			End:   dateOnly(req.EndDate),
		},
	}

	s.mutex.Lock()
	s.funnels[funnelID] = req.FunnelSteps
	s.mutex.Unlock()

	s.logger.Info("Generated funnel analysis",
		zap.String("funnel_id", funnelID),
		zap.Int("steps", len(steps)),
		zap.Float64("overall_conversion", response.OverallConversion),
	)

	c.JSON(http.StatusOK, response)
}

// handleCohortAnalysis generates a converted-versus-dropped comparison for
// one step of a previously generated funnel
func (s *MockServer) handleCohortAnalysis(c *gin.Context) {
	var req CohortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"detail": "Invalid request: " + err.Error(),
		})
		return
	}

	s.mutex.RLock()
	stepNames, found := s.funnels[req.FunnelID]
	s.mutex.RUnlock()

	if !found {
		c.JSON(http.StatusNotFound, gin.H{
			"detail": fmt.Sprintf("Funnel ID '%s' not found. Run funnel analysis first.", req.FunnelID),
		})
		return
	}

	if req.StepIndex >= len(stepNames) {
		c.JSON(http.StatusBadRequest, gin.H{
			"detail": fmt.Sprintf("Invalid step_index %d. Funnel has %d steps (0-%d).",
				req.StepIndex, len(stepNames), len(stepNames)-1),
		})
		return
	}

	response := generateCohort(stepNames[req.StepIndex], req.StepIndex)

	s.logger.Info("Generated cohort analysis",
		zap.String("funnel_id", req.FunnelID),
		zap.Int("step_index", req.StepIndex),
		zap.String("step_name", response.StepName),
	)

	c.JSON(http.StatusOK, response)
}

// generateFunnelSteps produces a plausible conversion funnel. The entry
// step keeps the full cohort; every later step converts 60-85% of the
// users reaching it, with extra decay applied before the next step.
func generateFunnelSteps(stepNames []string, totalUsers int) ([]analytics.FunnelStep, float64) {
	steps := make([]analytics.FunnelStep, 0, len(stepNames))
	currentUsers := totalUsers

	for idx, name := range stepNames {
		conversionRate := 100.0
		var dropOff *int

		if idx > 0 {
			conversionRate = randomFloat(60, 85)
			nextUsers := int(float64(currentUsers) * conversionRate / 100)
			dropped := currentUsers - nextUsers
			dropOff = &dropped
			currentUsers = nextUsers
		}

		steps = append(steps, analytics.FunnelStep{
			StepIndex:      idx,
			Name:           name,
			Users:          currentUsers,
			ConversionRate: conversionRate,
			DropOff:        dropOff,
		})

		if idx > 0 {
			currentUsers = int(float64(currentUsers) * randomFloat(0.65, 0.85))
		}
	}

	overallConversion := float64(currentUsers) / float64(totalUsers) * 100
	return steps, overallConversion
}

// generateCohort produces a converted-versus-dropped comparison with
// characteristics shaped like the real analytics service's output
func generateCohort(stepName string, stepIndex int) analytics.CohortResult {
	convertedAge := round1(randomFloat(25, 32))
	droppedAge := round1(randomFloat(28, 35))

	converted := analytics.CohortGroup{
		Count: randomInt(5000, 8000),
		Characteristics: map[string]interface{}{
			"avg_age":       convertedAge,
			"top_countries": []string{"US", "UK", "CA"},
			"device_split": map[string]interface{}{
				"mobile":  randomInt(60, 75),
				"desktop": randomInt(25, 40),
			},
			"avg_session_time": fmt.Sprintf("%.1f minutes", randomFloat(5, 12)),
		},
	}

	dropped := analytics.CohortGroup{
		Count: randomInt(2000, 4000),
		Characteristics: map[string]interface{}{
			"avg_age":       droppedAge,
			"top_countries": []string{"US", "IN", "BR"},
			"device_split": map[string]interface{}{
				"mobile":  randomInt(40, 55),
				"desktop": randomInt(45, 60),
			},
			"avg_session_time": fmt.Sprintf("%.1f minutes", randomFloat(1, 4)),
		},
	}

	insights := analytics.CohortInsights{
		KeyDifferences: []string{
			fmt.Sprintf("Dropped users spent %d%% less time on the page", randomInt(60, 80)),
			fmt.Sprintf("Desktop users have higher drop-off rate (%d%% vs %d%%)", randomInt(18, 25), randomInt(10, 15)),
			"Users from India and Brazil have 3x higher drop-off",
			fmt.Sprintf("Converted users are on average %.1f years younger", math.Abs(convertedAge-droppedAge)),
		},
	}

	return analytics.CohortResult{
		StepName:  stepName,
		StepIndex: stepIndex,
		Converted: converted,
		Dropped:   dropped,
		Insights:  insights,
	}
}

// dateOnly trims a timestamp to its date part
func dateOnly(value string) string {
	return strings.SplitN(value, "T", 2)[0]
}

// randomFloat returns a uniform random float in [min, max)
func randomFloat(min, max float64) float64 {
	return min + rand.Float64()*(max-min)
}

// randomInt returns a uniform random int in [min, max]
func randomInt(min, max int) int {
	return min + rand.Intn(max-min+1)
}

// round1 rounds to one decimal place
func round1(value float64) float64 {
	return math.Round(value*10) / 10
}
