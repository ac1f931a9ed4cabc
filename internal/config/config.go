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

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	// ErrMissingRequiredField is returned when a required configuration field is missing
	ErrMissingRequiredField = errors.New("missing required configuration field")
	// ErrInvalidConfigValue is returned when a configuration value is invalid
	ErrInvalidConfigValue = errors.New("invalid configuration value")
)

// Config represents the complete application configuration
type Config struct {
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Session   SessionConfig   `mapstructure:"session"`
	Server    ServerConfig    `mapstructure:"server"`
	Mock      MockConfig      `mapstructure:"mock"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// OpenAIConfig contains the routing model configuration
type OpenAIConfig struct {
	APIKey   string `mapstructure:"apikey"`
	Endpoint string `mapstructure:"endpoint"`
	Model    string `mapstructure:"model"`
}

// AnalyticsConfig contains the funnel analytics service configuration.
// BaseURL includes the API prefix, for example http://localhost:8080/api.
type AnalyticsConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the per-request timeout as a duration
func (c AnalyticsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DatabaseConfig contains session database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SessionConfig contains session lifecycle configuration
type SessionConfig struct {
	StorageType            string `mapstructure:"storage_type"`
	TTLHours               int    `mapstructure:"ttl_hours"`
	MaxSessions            int    `mapstructure:"max_sessions"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
}

// TTL returns the session time-to-live as a duration
func (c SessionConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// CleanupInterval returns the expiry sweep interval as a duration
func (c SessionConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// ServerConfig contains the agent HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MockConfig contains the mock analytics server configuration
type MockConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed for field '%s': %s", e.Field, e.Message)
}

// LoadOptions contains options for configuration loading
type LoadOptions struct {
	ConfigPath       string
	EnableHotReload  bool
	Environment      string
	ValidateRequired bool
}

// Load loads configuration from file and environment variables
// Environment variables take precedence over config file values
func Load(configPath string) (*Config, error) {
	return LoadWithOptions(LoadOptions{
		ConfigPath:       configPath,
		EnableHotReload:  false,
		Environment:      getEnvironment(),
		ValidateRequired: true,
	})
}

// LoadWithOptions loads configuration with additional options. A missing
// config file is fine as long as the environment provides what defaults
// do not cover; an explicitly named file must exist.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Set configuration file path
	fileFound, err := setConfigFile(v, opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to set config file: %w", err)
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("FUNNEL_AGENT")

	// Read configuration file
	if fileFound {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Set explicit environment variable mappings
	setEnvironmentMappings(v)

	// Unmarshal configuration
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if opts.ValidateRequired {
		if err := validateConfig(&config); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Routing model defaults
	v.SetDefault("openai.model", "gpt-4o")

	// Analytics service defaults
	v.SetDefault("analytics.base_url", "http://localhost:8080/api")
	v.SetDefault("analytics.timeout_seconds", 30)

	// Database defaults
	v.SetDefault("database.path", "./data/sessions.db")

	// Session defaults
	v.SetDefault("session.storage_type", "sqlite")
	v.SetDefault("session.ttl_hours", 24)
	v.SetDefault("session.max_sessions", 1000)
	v.SetDefault("session.cleanup_interval_minutes", 60)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)

	// Mock analytics server defaults
	v.SetDefault("mock.port", 8080)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// setConfigFile sets the configuration file path with fallback logic. The
// boolean reports whether a file is available to read.
func setConfigFile(v *viper.Viper, configPath string) (bool, error) {
	// Check for CONFIG_PATH environment variable
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		if _, err := os.Stat(envPath); err != nil {
			return false, fmt.Errorf("config file specified by CONFIG_PATH does not exist: %s", envPath)
		}
		v.SetConfigFile(envPath)
		return true, nil
	}

	// Use provided config path
	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return false, fmt.Errorf("config file does not exist: %s", configPath)
		}
		v.SetConfigFile(configPath)
		return true, nil
	}

	// Default fallback locations; running without any file is supported
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	for _, path := range []string{"./configs/config.yaml", "./config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return true, nil
		}
	}

	return false, nil
}

// setEnvironmentMappings sets explicit environment variable mappings
func setEnvironmentMappings(v *viper.Viper) {
	// Map common environment variables
	envMappings := map[string]string{
		"OPENAI_API_KEY":      "openai.apikey",
		"OPENAI_ENDPOINT":     "openai.endpoint",
		"OPENAI_MODEL":        "openai.model",
		"FUNNEL_API_BASE_URL": "analytics.base_url",
		"FUNNEL_API_TIMEOUT":  "analytics.timeout_seconds",
		"DATABASE_PATH":       "database.path",
		"SESSION_TTL_HOURS":   "session.ttl_hours",
		"API_HOST":            "server.host",
		"API_PORT":            "server.port",
		"MOCK_API_PORT":       "mock.port",
		"LOG_LEVEL":           "logging.level",
		"LOG_FORMAT":          "logging.format",
		"LOG_OUTPUT":          "logging.output",
	}

	for envVar, configKey := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			v.Set(configKey, value)
		}
	}
}

// validateConfig validates the configuration for required fields and valid values
func validateConfig(config *Config) error {
	var errors []ValidationError

	// Validate required fields
	if config.OpenAI.APIKey == "" {
		errors = append(errors, ValidationError{
			Field:   "openai.apikey",
			Message: "OpenAI API key is required. Set via config file or OPENAI_API_KEY environment variable",
		})
	}

	if config.Analytics.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "analytics.base_url",
			Message: "analytics API base URL is required",
		})
	}

	// Validate numeric values
	if config.Analytics.TimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "analytics.timeout_seconds",
			Message: "timeout_seconds must be greater than 0",
		})
	}

	if config.Session.TTLHours <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.ttl_hours",
			Message: "ttl_hours must be greater than 0",
		})
	}

	if config.Session.MaxSessions <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.max_sessions",
			Message: "max_sessions must be greater than 0",
		})
	}

	if config.Session.CleanupIntervalMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.cleanup_interval_minutes",
			Message: "cleanup_interval_minutes must be greater than or equal to 0",
		})
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: "port must be between 1 and 65535",
		})
	}

	if config.Mock.Port <= 0 || config.Mock.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "mock.port",
			Message: "port must be between 1 and 65535",
		})
	}

	// Validate enum values
	validStorageTypes := []string{"sqlite", "memory"}
	if !contains(validStorageTypes, config.Session.StorageType) {
		errors = append(errors, ValidationError{
			Field:   "session.storage_type",
			Message: fmt.Sprintf("storage type must be one of: %s", strings.Join(validStorageTypes, ", ")),
		})
	}

	if config.Session.StorageType == "sqlite" && config.Database.Path == "" {
		errors = append(errors, ValidationError{
			Field:   "database.path",
			Message: "database path is required for sqlite session storage",
		})
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, config.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("log level must be one of: %s", strings.Join(validLogLevels, ", ")),
		})
	}

	validLogFormats := []string{"json", "text"}
	if !contains(validLogFormats, config.Logging.Format) {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("log format must be one of: %s", strings.Join(validLogFormats, ", ")),
		})
	}

	// Return all validation errors
	if len(errors) > 0 {
		var errorMessages []string
		for _, err := range errors {
			errorMessages = append(errorMessages, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errorMessages, "\n"))
	}

	return nil
}

// MaskSensitiveValues returns a copy of the config with sensitive values masked
func (c *Config) MaskSensitiveValues() *Config {
	masked := *c

	// Mask sensitive fields
	if masked.OpenAI.APIKey != "" {
		masked.OpenAI.APIKey = maskValue(masked.OpenAI.APIKey)
	}

	return &masked
}

// maskValue masks sensitive values, showing only the first 8 characters
func maskValue(value string) string {
	if len(value) <= 8 {
		return strings.Repeat("*", len(value))
	}
	return value[:8] + strings.Repeat("*", len(value)-8)
}

// contains checks if a slice contains a specific string
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// getEnvironment returns the current environment (development, production, etc.)
func getEnvironment() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "development"
}

// WatchConfig enables configuration hot-reloading for development
func WatchConfig(configPath string, callback func(*Config)) error {
	v := viper.New()

	// Set up configuration
	fileFound, err := setConfigFile(v, configPath)
	if err != nil {
		return err
	}
	if !fileFound {
		return fmt.Errorf("no config file to watch")
	}

	// Enable watching
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		fmt.Printf("Config file changed: %s\n", e.Name)

		// Reload configuration
		config, err := LoadWithOptions(LoadOptions{
			ConfigPath:       configPath,
			EnableHotReload:  true,
			Environment:      getEnvironment(),
			ValidateRequired: true,
		})
		if err != nil {
			fmt.Printf("Failed to reload config: %v\n", err)
			return
		}

		// Call callback with new config
		callback(config)
	})

	return nil
}
