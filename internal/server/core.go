package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/analytics"
	"github.com/kubilitics/kubilitics-analytics/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-analytics/internal/analytics/forecasting"
	"github.com/kubilitics/kubilitics-analytics/internal/analytics/ingest"
	"github.com/kubilitics/kubilitics-analytics/internal/analytics/query"
	"github.com/kubilitics/kubilitics-analytics/internal/audit"
	"github.com/kubilitics/kubilitics-analytics/internal/broker"
	"github.com/kubilitics/kubilitics-analytics/internal/config"
	"github.com/kubilitics/kubilitics-analytics/internal/db"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// Core is the analytics engine without any network listener. The CLI's
// offline commands use it directly.
type Core struct {
	Store      db.Store
	Detector   *anomaly.Detector
	Ingestor   *ingest.Ingestor
	Forecaster *forecasting.Forecaster
	Broker     *broker.Broker
	Auditor    *audit.Logger
	Engine     *query.Engine
	Pipeline   *analytics.Pipeline

	cfg       *config.Config
	log       *zap.Logger
	auditFile *audit.FileSink
}

// NewCore opens storage and wires every component from cfg.
func NewCore(cfg *config.Config, log *zap.Logger) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Core{cfg: cfg, log: log}

	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	c.Store = store

	sinks := audit.MultiSink{audit.NewStoreSink(store)}
	if cfg.Audit.Enabled && cfg.Audit.FilePath != "" {
		fileSink, err := audit.NewFileSink(&audit.FileConfig{
			Path:       cfg.Audit.FilePath,
			MaxSize:    cfg.Audit.MaxSizeMB,
			MaxBackups: cfg.Audit.MaxBackups,
			MaxAge:     cfg.Audit.MaxAgeDays,
			Compress:   true,
		}, log)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to open audit file: %w", err)
		}
		c.auditFile = fileSink
		sinks = append(sinks, fileSink)
	}
	c.Auditor = audit.NewLogger(sinks, log.Named("audit"))

	test, err := anomaly.NewOutlierTest(cfg.Analytics.AnomalyAlgorithm, cfg.Analytics.AnomalySensitivity)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Detector = anomaly.NewDetector(store, test, log.Named("anomaly"), anomaly.WithWindow(cfg.Analytics.AnomalyWindow))

	ingestOpts := []ingest.Option{}
	if cfg.Analytics.EnableAnomalyDetection {
		ingestOpts = append(ingestOpts, ingest.WithDetector(c.Detector))
	}
	c.Ingestor, err = ingest.NewIngestor(store, log.Named("ingest"), cfg.Ingest.DedupeCacheSize, ingestOpts...)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	c.Forecaster = forecasting.NewForecaster(store, log.Named("forecast"))
	c.Broker = broker.New(log.Named("broker"),
		broker.WithIdleTimeout(cfg.Broker.IdleTimeout),
		broker.WithAuthGrace(cfg.Broker.AuthGrace),
		broker.WithSendTimeout(cfg.Broker.SendTimeout))
	c.Engine = query.NewEngine(store, c.Forecaster, c.Detector, c.Auditor, log.Named("query"),
		query.WithForecasting(cfg.Analytics.EnableForecasting),
		query.WithStats(c.Broker))
	c.Pipeline = analytics.NewPipeline(c.Ingestor, c.Forecaster, store, c.Broker, PipelineConfig(cfg), log.Named("pipeline"))
	return c, nil
}

// PipelineConfig translates the analytics, broker and ingest sections.
func PipelineConfig(cfg *config.Config) analytics.Config {
	pc := analytics.DefaultConfig()
	pc.Workers = cfg.Ingest.Workers
	pc.QueueSize = cfg.Ingest.QueueSize
	pc.SweepInterval = cfg.Broker.SweepInterval
	pc.EnableForecasting = cfg.Analytics.EnableForecasting
	pc.ForecastRefreshInterval = cfg.Analytics.ForecastRefreshInterval
	if len(cfg.Analytics.ForecastMetrics) > 0 {
		pc.ForecastMetrics = pc.ForecastMetrics[:0:0]
		for _, m := range cfg.Analytics.ForecastMetrics {
			pc.ForecastMetrics = append(pc.ForecastMetrics, models.MetricType(m))
		}
	}
	pc.HourlyRetention = days(cfg.Analytics.HourlyRetentionDays)
	pc.DailyRetention = days(cfg.Analytics.DailyRetentionDays)
	pc.RetentionInterval = cfg.Analytics.RetentionInterval
	return pc
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

// ApplyConfig applies the settings that may change at runtime. It returns
// the names of the settings it changed.
func (c *Core) ApplyConfig(next *config.Config, setLevel func(string) error) []string {
	var changed []string
	if next.Broker.IdleTimeout > 0 && next.Broker.IdleTimeout != c.cfg.Broker.IdleTimeout {
		c.Broker.SetIdleTimeout(next.Broker.IdleTimeout)
		c.cfg.Broker.IdleTimeout = next.Broker.IdleTimeout
		changed = append(changed, "broker.idle_timeout")
	}
	if setLevel != nil && next.Logging.Level != c.cfg.Logging.Level {
		if err := setLevel(next.Logging.Level); err != nil {
			c.log.Warn("ignoring invalid log level", zap.String("level", next.Logging.Level), zap.Error(err))
		} else {
			c.cfg.Logging.Level = next.Logging.Level
			changed = append(changed, "logging.level")
		}
	}
	if len(changed) > 0 {
		c.log.Info("configuration reloaded", zap.Strings("changed", changed))
	}
	return changed
}

// WatchConfig applies reloads from updates until ctx ends.
func (c *Core) WatchConfig(ctx context.Context, updates <-chan config.Config, setLevel func(string) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			c.ApplyConfig(&next, setLevel)
		}
	}
}

// Close disconnects live connections and releases storage and the audit file.
func (c *Core) Close() error {
	if c.Broker != nil {
		c.Broker.Shutdown()
	}
	var errs []error
	if c.auditFile != nil {
		if err := c.auditFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit file close: %w", err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	return errors.Join(errs...)
}
