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

// Package main provides the conversational funnel analysis agent API.
// It routes chat messages to funnel analysis, cohort deep-dives, or
// contextual answers over results from earlier turns.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/your-org/funnel-agent/internal/agent"
	"github.com/your-org/funnel-agent/internal/analytics"
	"github.com/your-org/funnel-agent/internal/config"
	"github.com/your-org/funnel-agent/internal/health"
	"github.com/your-org/funnel-agent/internal/report"
	"github.com/your-org/funnel-agent/internal/resilience"
	"github.com/your-org/funnel-agent/internal/resolver"
	"github.com/your-org/funnel-agent/internal/session"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// ServiceName identifies this service in logs and health reports
	ServiceName = "funnel-agent"
	// ServiceVersion is the published API version
	ServiceVersion = "1.0.0"
	// ChatRequestTimeout bounds a full turn including analytics retries
	ChatRequestTimeout = 120 * time.Second
	// HealthCheckTimeout defines the timeout for health checks
	HealthCheckTimeout = 5 * time.Second
)

// ChatRequest represents the JSON payload for chat turns
type ChatRequest struct {
	Message   string `json:"message" binding:"required"`
	SessionID string `json:"session_id"`
}

// ChatResponse represents the JSON response for chat turns
type ChatResponse struct {
	SessionID     string                 `json:"session_id"`
	Response      string                 `json:"response"`
	NeedsInput    bool                   `json:"needs_input"`
	MissingParams []string               `json:"missing_params"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// AgentServer wires the orchestration engine to the HTTP surface
type AgentServer struct {
	config        *config.Config
	logger        *zap.Logger
	engine        *agent.Engine
	sessions      *session.Manager
	resolver      *resolver.Client
	healthManager *health.Manager
}

func main() {
	// Load configuration first to get logging settings
	cfg, err := config.Load("")
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger, err := initializeLogger(cfg)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Log configuration with masked sensitive values
	maskedConfig := cfg.MaskSensitiveValues()
	logger.Info("Configuration loaded successfully",
		zap.String("service", ServiceName),
		zap.String("environment", os.Getenv("ENVIRONMENT")),
		zap.String("analytics_base_url", maskedConfig.Analytics.BaseURL),
		zap.String("database_path", maskedConfig.Database.Path),
		zap.String("session_storage", maskedConfig.Session.StorageType),
		zap.String("openai_model", maskedConfig.OpenAI.Model),
		zap.String("openai_api_key", maskedConfig.OpenAI.APIKey),
	)

	server, err := initializeServer(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies", zap.Error(err))
	}
	defer func() {
		if err := server.sessions.Close(); err != nil {
			logger.Warn("Failed to close session manager", zap.Error(err))
		}
	}()

	// Set Gin mode based on log level
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	// Routes
	router.GET("/", server.handleRoot)
	router.GET("/health", gin.WrapH(server.healthManager.HTTPHandler()))
	router.POST("/chat", server.handleChat)
	router.GET("/session/:id", server.handleGetSession)
	router.DELETE("/session/:id", server.handleDeleteSession)

	// Determine port, PORT overrides the configured value
	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, port)

	logger.Info("Starting funnel agent server",
		zap.String("addr", addr),
		zap.String("service", ServiceName),
		zap.String("analytics_base_url", cfg.Analytics.BaseURL),
	)

	if err := router.Run(addr); err != nil {
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

	// Set log level
	switch cfg.Logging.Level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	// Set output destination
	if cfg.Logging.Output == "file" {
		zapConfig.OutputPaths = []string{"agent.log"}
		zapConfig.ErrorOutputPaths = []string{"agent.log"}
	} else {
		zapConfig.OutputPaths = []string{"stdout"}
		zapConfig.ErrorOutputPaths = []string{"stderr"}
	}

	return zapConfig.Build()
}

// initializeServer initializes all service dependencies
func initializeServer(cfg *config.Config, logger *zap.Logger) (*AgentServer, error) {
	logger.Info("Initializing service dependencies")

	resolverClient, err := resolver.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Endpoint, cfg.OpenAI.Model, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize resolver: %w", err)
	}

	analyticsClient := analytics.NewClient(cfg.Analytics.BaseURL, cfg.Analytics.Timeout(), logger)
	composer := report.NewComposer(resolverClient, logger)

	sessionManager, err := session.NewManager(session.Config{
		StorageType:     session.StorageType(cfg.Session.StorageType),
		DatabasePath:    cfg.Database.Path,
		TTL:             cfg.Session.TTL(),
		MaxSessions:     cfg.Session.MaxSessions,
		CleanupInterval: cfg.Session.CleanupInterval(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}

	engine := agent.NewEngine(resolverClient, analyticsClient, composer, logger)

	healthManager := health.NewManager(ServiceName, ServiceVersion, logger)
	setupHealthChecks(healthManager, cfg, sessionManager, resolverClient)

	logger.Info("Service dependencies initialized successfully")

	return &AgentServer{
		config:        cfg,
		logger:        logger,
		engine:        engine,
		sessions:      sessionManager,
		resolver:      resolverClient,
		healthManager: healthManager,
	}, nil
}

// setupHealthChecks configures health checks for the agent service
func setupHealthChecks(manager *health.Manager, cfg *config.Config, sessions *session.Manager, resolverClient *resolver.Client) {
	// Session store health check
	manager.AddChecker("sessions", health.DatabaseHealthChecker(cfg.Session.StorageType, sessions.Ping))

	// Analytics service health check against its service root
	analyticsRoot := strings.TrimSuffix(cfg.Analytics.BaseURL, "/api")
	manager.AddChecker("analytics", health.HTTPHealthChecker(analyticsRoot, nil))

	// Resolver health reflects the circuit breaker state
	manager.AddCheckerFunc("resolver", func(ctx context.Context) health.CheckResult {
		stats := resolverClient.BreakerStats()

		status := health.StatusHealthy
		switch stats.State {
		case resilience.CircuitOpen:
			status = health.StatusUnhealthy
		case resilience.CircuitHalfOpen:
			status = health.StatusDegraded
		}

		return health.CheckResult{
			Status:    status,
			Timestamp: time.Now(),
			Metadata: map[string]interface{}{
				"breaker_state": stats.State.String(),
				"failures":      stats.Failures,
			},
		}
	})

	manager.SetTimeout(HealthCheckTimeout)
}

// handleRoot returns service information
func (s *AgentServer) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "Funnel Analysis Agent",
		"version": ServiceVersion,
		"status":  "running",
		"endpoints": gin.H{
			"chat":    "POST /chat",
			"health":  "GET /health",
			"session": "GET /session/{session_id}",
		},
	})
}

// handleChat processes one conversational turn
func (s *AgentServer) handleChat(c *gin.Context) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.Request.Context(), ChatRequestTimeout)
	defer cancel()

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.logger.Error("Invalid chat request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request format: " + err.Error(),
		})
		return
	}

	message := session.SanitizeUserInput(req.Message)
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Message must not be empty",
		})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = session.NewSessionID()
	} else if !session.ValidateSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid session_id format",
		})
		return
	}

	s.logger.Info("Chat request received",
		zap.String("session_id", sessionID),
		zap.String("client_ip", c.ClientIP()),
	)

	state, err := s.sessions.GetOrCreate(ctx, sessionID)
	if err != nil {
		s.logger.Error("Failed to load session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load session",
		})
		return
	}

	state = state.AppendMessage(agent.Message{
		Role:      agent.RoleUser,
		Content:   message,
		Timestamp: time.Now().UTC(),
	})
	if err := s.sessions.RecordMessage(ctx, sessionID, string(agent.RoleUser), message, nil); err != nil {
		s.logger.Warn("Failed to record user message", zap.String("session_id", sessionID), zap.Error(err))
	}

	final := s.engine.RunTurn(ctx, state)
	responseText := responseTextFor(final)

	// The answer path appends its own assistant message; every other path
	// gets the rendered response appended here before the state is saved.
	if last := final.LastMessage(); last.Role != agent.RoleAssistant {
		final = final.AppendMessage(agent.Message{
			Role:      agent.RoleAssistant,
			Content:   responseText,
			Timestamp: time.Now().UTC(),
		})
	}

	if err := s.sessions.Save(ctx, final); err != nil {
		s.logger.Error("Failed to save session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to save session",
		})
		return
	}

	historyMetadata := map[string]interface{}{
		"funnel_id": final.FunnelID,
		"action":    string(final.NextAction),
	}
	if err := s.sessions.RecordMessage(ctx, sessionID, string(agent.RoleAssistant), responseText, historyMetadata); err != nil {
		s.logger.Warn("Failed to record assistant message", zap.String("session_id", sessionID), zap.Error(err))
	}

	s.logger.Info("Chat turn completed",
		zap.String("session_id", sessionID),
		zap.String("action", string(final.NextAction)),
		zap.Bool("needs_input", final.NeedsInput()),
		zap.Duration("processing_time", time.Since(start)),
	)

	c.JSON(http.StatusOK, ChatResponse{
		SessionID:     sessionID,
		Response:      responseText,
		NeedsInput:    final.NeedsInput(),
		MissingParams: final.MissingParams,
		Metadata: map[string]interface{}{
			"action_taken":      string(final.NextAction),
			"funnel_id":         final.FunnelID,
			"has_funnel_result": final.FunnelResult != nil,
			"has_cohort_result": final.CohortResult != nil,
		},
	})
}

// responseTextFor renders the user-facing reply for a completed turn.
// Missing parameters take precedence over errors. A contextual answer
// appended during this turn beats re-rendering a report held over from
// an earlier one; the report branch therefore only fires on turns that
// ran an analysis.
func responseTextFor(state agent.State) string {
	switch {
	case len(state.MissingParams) > 0:
		return "I need more information: " + strings.Join(state.MissingParams, ", ")
	case state.Error != "":
		return "An error occurred: " + state.Error
	}

	if last := state.LastMessage(); last.Role == agent.RoleAssistant && last.Content != "" {
		return last.Content
	}
	if state.Report != nil {
		return report.FormatText(state.Report)
	}
	return "Request processed successfully."
}

// handleGetSession returns the conversation history for a session
func (s *AgentServer) handleGetSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	entries, err := s.sessions.History(ctx, sessionID)
	if err != nil {
		s.logger.Error("Failed to load session history", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load session history",
		})
		return
	}

	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Session not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"messages":   entries,
	})
}

// handleDeleteSession removes a session and its history
func (s *AgentServer) handleDeleteSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	if err := s.sessions.Delete(ctx, sessionID); err != nil {
		s.logger.Error("Failed to delete session", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to delete session",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "deleted",
		"session_id": sessionID,
	})
}
