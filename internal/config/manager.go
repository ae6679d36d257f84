package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	mu         sync.RWMutex
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("ANALYTICS")
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	m.viper.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults + env vars are enough to run.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// not found via viper
		} else if os.IsNotExist(err) {
			// not found via os
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
// Invalid updates are dropped and the previous configuration stays active.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				return
			}
			prev := m.Get(ctx)
			if err := m.unmarshalConfig(); err != nil {
				return
			}
			cur := m.Get(ctx)
			if len(cur.Validate()) > 0 {
				m.mu.Lock()
				m.config = prev
				m.mu.Unlock()
				return
			}
			select {
			case m.watchChan <- *cur:
			default:
				// Channel full, skip this update
			}
		})
		m.viper.WatchConfig()
	})
	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()

	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.grpc_port", d.Server.GRPCPort)
	m.viper.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	m.viper.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	m.viper.SetDefault("database.sqlite_path", d.Database.SQLitePath)

	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)
	m.viper.SetDefault("logging.file_path", d.Logging.FilePath)
	m.viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)

	m.viper.SetDefault("audit.enabled", d.Audit.Enabled)
	m.viper.SetDefault("audit.file_path", d.Audit.FilePath)
	m.viper.SetDefault("audit.max_size_mb", d.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", d.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", d.Audit.MaxAgeDays)

	m.viper.SetDefault("analytics.enable_anomaly_detection", d.Analytics.EnableAnomalyDetection)
	m.viper.SetDefault("analytics.enable_forecasting", d.Analytics.EnableForecasting)
	m.viper.SetDefault("analytics.anomaly_algorithm", d.Analytics.AnomalyAlgorithm)
	m.viper.SetDefault("analytics.anomaly_window", d.Analytics.AnomalyWindow)
	m.viper.SetDefault("analytics.anomaly_sensitivity", d.Analytics.AnomalySensitivity)
	m.viper.SetDefault("analytics.forecast_refresh_interval", d.Analytics.ForecastRefreshInterval)
	m.viper.SetDefault("analytics.forecast_metrics", d.Analytics.ForecastMetrics)
	m.viper.SetDefault("analytics.hourly_retention_days", d.Analytics.HourlyRetentionDays)
	m.viper.SetDefault("analytics.daily_retention_days", d.Analytics.DailyRetentionDays)
	m.viper.SetDefault("analytics.retention_interval", d.Analytics.RetentionInterval)

	m.viper.SetDefault("broker.idle_timeout", d.Broker.IdleTimeout)
	m.viper.SetDefault("broker.auth_grace", d.Broker.AuthGrace)
	m.viper.SetDefault("broker.send_timeout", d.Broker.SendTimeout)
	m.viper.SetDefault("broker.send_buffer", d.Broker.SendBuffer)
	m.viper.SetDefault("broker.sweep_interval", d.Broker.SweepInterval)

	m.viper.SetDefault("ingest.workers", d.Ingest.Workers)
	m.viper.SetDefault("ingest.queue_size", d.Ingest.QueueSize)
	m.viper.SetDefault("ingest.dedupe_cache_size", d.Ingest.DedupeCacheSize)

	m.viper.SetDefault("kafka.enabled", d.Kafka.Enabled)
	m.viper.SetDefault("kafka.brokers", d.Kafka.Brokers)
	m.viper.SetDefault("kafka.group_id", d.Kafka.GroupID)
	m.viper.SetDefault("kafka.topic", d.Kafka.Topic)

	m.viper.SetDefault("auth.jwt_secret", d.Auth.JWTSecret)

	m.viper.SetDefault("ratelimit.per_second", d.RateLimit.PerSecond)
	m.viper.SetDefault("ratelimit.burst", d.RateLimit.Burst)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}
	v := m.viper

	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.GRPCPort = v.GetInt("server.grpc_port")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")

	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")

	cfg.Logging.Level = v.GetString("logging.level")
	cfg.Logging.Format = v.GetString("logging.format")
	cfg.Logging.FilePath = v.GetString("logging.file_path")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")

	cfg.Audit.Enabled = v.GetBool("audit.enabled")
	cfg.Audit.FilePath = v.GetString("audit.file_path")
	cfg.Audit.MaxSizeMB = v.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = v.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = v.GetInt("audit.max_age_days")

	cfg.Analytics.EnableAnomalyDetection = v.GetBool("analytics.enable_anomaly_detection")
	cfg.Analytics.EnableForecasting = v.GetBool("analytics.enable_forecasting")
	cfg.Analytics.AnomalyAlgorithm = v.GetString("analytics.anomaly_algorithm")
	cfg.Analytics.AnomalyWindow = v.GetInt("analytics.anomaly_window")
	cfg.Analytics.AnomalySensitivity = v.GetFloat64("analytics.anomaly_sensitivity")
	cfg.Analytics.ForecastRefreshInterval = v.GetDuration("analytics.forecast_refresh_interval")
	cfg.Analytics.ForecastMetrics = v.GetStringSlice("analytics.forecast_metrics")
	cfg.Analytics.HourlyRetentionDays = v.GetInt("analytics.hourly_retention_days")
	cfg.Analytics.DailyRetentionDays = v.GetInt("analytics.daily_retention_days")
	cfg.Analytics.RetentionInterval = v.GetDuration("analytics.retention_interval")

	cfg.Broker.IdleTimeout = v.GetDuration("broker.idle_timeout")
	cfg.Broker.AuthGrace = v.GetDuration("broker.auth_grace")
	cfg.Broker.SendTimeout = v.GetDuration("broker.send_timeout")
	cfg.Broker.SendBuffer = v.GetInt("broker.send_buffer")
	cfg.Broker.SweepInterval = v.GetDuration("broker.sweep_interval")

	cfg.Ingest.Workers = v.GetInt("ingest.workers")
	cfg.Ingest.QueueSize = v.GetInt("ingest.queue_size")
	cfg.Ingest.DedupeCacheSize = v.GetInt("ingest.dedupe_cache_size")

	cfg.Kafka.Enabled = v.GetBool("kafka.enabled")
	cfg.Kafka.Brokers = v.GetStringSlice("kafka.brokers")
	cfg.Kafka.GroupID = v.GetString("kafka.group_id")
	cfg.Kafka.Topic = v.GetString("kafka.topic")

	cfg.Auth.JWTSecret = v.GetString("auth.jwt_secret")

	cfg.RateLimit.PerSecond = v.GetFloat64("ratelimit.per_second")
	cfg.RateLimit.Burst = v.GetInt("ratelimit.burst")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}
