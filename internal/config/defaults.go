package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8090
	cfg.Server.GRPCPort = 9090
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}
	cfg.Server.ShutdownTimeout = 15 * time.Second

	// Database defaults
	cfg.Database.SQLitePath = "/var/lib/kubilitics/analytics.db"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.FilePath = ""
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30

	// Audit defaults
	cfg.Audit.Enabled = true
	cfg.Audit.FilePath = "/var/log/kubilitics/analytics-audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 90

	// Analytics defaults
	cfg.Analytics.EnableAnomalyDetection = true
	cfg.Analytics.EnableForecasting = true
	cfg.Analytics.AnomalyAlgorithm = "mad"
	cfg.Analytics.AnomalyWindow = 24
	cfg.Analytics.AnomalySensitivity = 0.5
	cfg.Analytics.ForecastRefreshInterval = time.Hour
	cfg.Analytics.ForecastMetrics = []string{"revenue", "orders"}
	cfg.Analytics.HourlyRetentionDays = 90
	cfg.Analytics.DailyRetentionDays = 730
	cfg.Analytics.RetentionInterval = 6 * time.Hour

	// Broker defaults
	cfg.Broker.IdleTimeout = 30 * time.Minute
	cfg.Broker.AuthGrace = 10 * time.Second
	cfg.Broker.SendTimeout = 5 * time.Second
	cfg.Broker.SendBuffer = 256
	cfg.Broker.SweepInterval = 30 * time.Second

	// Ingest defaults
	cfg.Ingest.Workers = 4
	cfg.Ingest.QueueSize = 1024
	cfg.Ingest.DedupeCacheSize = 10000

	// Kafka defaults (consumer disabled)
	cfg.Kafka.Enabled = false
	cfg.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Kafka.GroupID = "kubilitics-analytics"
	cfg.Kafka.Topic = "storefront.events"

	// Auth defaults
	cfg.Auth.JWTSecret = ""

	// Rate limit defaults
	cfg.RateLimit.PerSecond = 20
	cfg.RateLimit.Burst = 40

	return cfg
}
