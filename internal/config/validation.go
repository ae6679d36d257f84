package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "console"}
	validAlgorithms = []string{"mad", "zscore", "isolation_forest"}
)

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		add("server.grpc_port", "port must be between 0 and 65535, got %d", c.Server.GRPCPort)
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		add("server.grpc_port", "grpc port must differ from http port %d", c.Server.Port)
	}

	// Database
	if c.Database.SQLitePath == "" {
		add("database.sqlite_path", "sqlite_path is required")
	}

	// Logging
	if !contains(validLogLevels, strings.ToLower(c.Logging.Level)) {
		add("logging.level", "must be one of %v, got %q", validLogLevels, c.Logging.Level)
	}
	if !contains(validLogFormats, strings.ToLower(c.Logging.Format)) {
		add("logging.format", "must be one of %v, got %q", validLogFormats, c.Logging.Format)
	}

	// Analytics
	if !contains(validAlgorithms, c.Analytics.AnomalyAlgorithm) {
		add("analytics.anomaly_algorithm", "must be one of %v, got %q", validAlgorithms, c.Analytics.AnomalyAlgorithm)
	}
	if c.Analytics.AnomalyWindow < 10 {
		add("analytics.anomaly_window", "window must be at least 10 points, got %d", c.Analytics.AnomalyWindow)
	}
	if c.Analytics.AnomalySensitivity < 0 || c.Analytics.AnomalySensitivity > 1 {
		add("analytics.anomaly_sensitivity", "sensitivity must be between 0 and 1, got %.2f", c.Analytics.AnomalySensitivity)
	}
	if c.Analytics.EnableForecasting && c.Analytics.ForecastRefreshInterval <= 0 {
		add("analytics.forecast_refresh_interval", "interval must be positive")
	}
	if c.Analytics.HourlyRetentionDays < 1 {
		add("analytics.hourly_retention_days", "must be at least 1, got %d", c.Analytics.HourlyRetentionDays)
	}
	if c.Analytics.DailyRetentionDays < 31 {
		add("analytics.daily_retention_days", "must cover at least 31 days of forecast history, got %d", c.Analytics.DailyRetentionDays)
	}

	// Broker
	if c.Broker.IdleTimeout <= 0 {
		add("broker.idle_timeout", "idle timeout must be positive")
	}
	if c.Broker.AuthGrace <= 0 {
		add("broker.auth_grace", "auth grace must be positive")
	}
	if c.Broker.SendTimeout <= 0 {
		add("broker.send_timeout", "send timeout must be positive")
	}
	if c.Broker.SendBuffer < 1 {
		add("broker.send_buffer", "send buffer must be at least 1, got %d", c.Broker.SendBuffer)
	}

	// Ingest
	if c.Ingest.Workers < 1 {
		add("ingest.workers", "workers must be at least 1, got %d", c.Ingest.Workers)
	}
	if c.Ingest.QueueSize < 1 {
		add("ingest.queue_size", "queue size must be at least 1, got %d", c.Ingest.QueueSize)
	}

	// Kafka
	if c.Kafka.Enabled {
		if len(c.Kafka.Brokers) == 0 {
			add("kafka.brokers", "at least one broker is required when kafka is enabled")
		}
		if c.Kafka.Topic == "" {
			add("kafka.topic", "topic is required when kafka is enabled")
		}
	}

	// Auth
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 16 {
		add("auth.jwt_secret", "secret must be at least 16 characters")
	}

	// Rate limit
	if c.RateLimit.PerSecond < 0 {
		add("ratelimit.per_second", "must not be negative")
	}
	if c.RateLimit.PerSecond > 0 && c.RateLimit.Burst < 1 {
		add("ratelimit.burst", "burst must be at least 1 when rate limiting is enabled")
	}

	return errs
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
