// Package config provides configuration management for kubilitics-analytics.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (ANALYTICS_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/kubilitics/analytics.yaml)
//   3. Built-in defaults
//
// The broker idle timeout and the log level are re-read when the config
// file changes; everything else requires a restart.
package config

import (
	"context"
	"time"
)

// Config struct contains all configuration fields
type Config struct {
	Server struct {
		Port     int
		GRPCPort int
		// AllowedOrigins is a list of origins permitted for CORS and
		// WebSocket upgrades. ["*"] allows any origin.
		AllowedOrigins  []string
		ShutdownTimeout time.Duration
	}

	Database struct {
		SQLitePath string
	}

	Logging struct {
		Level      string
		Format     string
		FilePath   string // empty logs to stderr only
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	Audit struct {
		Enabled    bool
		FilePath   string // empty disables the rotated JSON file sink
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	Analytics struct {
		EnableAnomalyDetection  bool
		EnableForecasting       bool
		AnomalyAlgorithm        string // mad | zscore | isolation_forest
		AnomalyWindow           int
		AnomalySensitivity      float64
		ForecastRefreshInterval time.Duration
		ForecastMetrics         []string
		HourlyRetentionDays     int
		DailyRetentionDays      int
		RetentionInterval       time.Duration
	}

	Broker struct {
		IdleTimeout   time.Duration
		AuthGrace     time.Duration
		SendTimeout   time.Duration
		SendBuffer    int
		SweepInterval time.Duration
	}

	Ingest struct {
		Workers         int
		QueueSize       int
		DedupeCacheSize int
	}

	Kafka struct {
		Enabled bool
		Brokers []string
		GroupID string
		Topic   string
	}

	Auth struct {
		JWTSecret string
	}

	RateLimit struct {
		PerSecond float64
		Burst     int
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads.
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources.
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/kubilitics/analytics.yaml")
}
