// Package analytics wires ingestion, anomaly alerts, forecasting and fanout
// into one pipeline and owns its background jobs.
//
// Ingest durability is mandatory and its failures propagate to the caller.
// Everything after the commit (alerts, broadcasts) is best effort and only
// logged when it fails.
package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/analytics/ingest"
	"github.com/kubilitics/kubilitics-analytics/internal/broker"
	"github.com/kubilitics/kubilitics-analytics/internal/metrics"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// Fanout delivers messages to live subscribers.
type Fanout interface {
	Broadcast(ctx context.Context, topic models.Topic, msg models.Message, scope models.Scope) broker.DeliveryReport
	Sweep(ctx context.Context, now time.Time) broker.SweepReport
}

// Ingester applies one event.
type Ingester interface {
	Ingest(ctx context.Context, ev models.RawEvent) (*ingest.IngestResult, error)
	ReplayUnprocessed(ctx context.Context, limit int) (int, error)
}

// ForecastRunner generates forecast runs.
type ForecastRunner interface {
	ForecastWithTrigger(ctx context.Context, trigger string, metricType models.MetricType, daysAhead int, dims models.Dimensions) ([]models.ForecastPoint, error)
}

// RetentionStore prunes old buckets.
type RetentionStore interface {
	PruneMetricPoints(ctx context.Context, granularity models.Granularity, cutoff time.Time) (int64, error)
}

// Config tunes the pipeline's pool and jobs. Zero durations disable a job.
type Config struct {
	Workers   int
	QueueSize int

	SweepInterval time.Duration

	EnableForecasting       bool
	ForecastRefreshInterval time.Duration
	ForecastMetrics         []models.MetricType
	ForecastDays            int

	HourlyRetention   time.Duration
	DailyRetention    time.Duration
	RetentionInterval time.Duration
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               1024,
		SweepInterval:           30 * time.Second,
		EnableForecasting:       true,
		ForecastRefreshInterval: time.Hour,
		ForecastMetrics:         []models.MetricType{models.MetricRevenue, models.MetricOrders},
		ForecastDays:            7,
		HourlyRetention:         90 * 24 * time.Hour,
		DailyRetention:          730 * 24 * time.Hour,
		RetentionInterval:       6 * time.Hour,
	}
}

// Pipeline is the ingest → detect → broadcast path plus maintenance jobs.
type Pipeline struct {
	ingester   Ingester
	forecaster ForecastRunner
	retention  RetentionStore
	fanout     Fanout
	cfg        Config
	log        *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	pool    *workerPool[models.RawEvent, *ingest.IngestResult]
	cancel  context.CancelFunc
	jobs    sync.WaitGroup
	stopped bool
}

// NewPipeline creates a pipeline. fanout, forecaster and retention may be nil.
func NewPipeline(ingester Ingester, forecaster ForecastRunner, retention RetentionStore, fanout Fanout, cfg Config, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.ForecastDays <= 0 {
		cfg.ForecastDays = 7
	}
	return &Pipeline{
		ingester:   ingester,
		forecaster: forecaster,
		retention:  retention,
		fanout:     fanout,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

// Start launches the worker pool and background jobs. They stop when ctx is
// cancelled or Stop is called.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pool != nil || p.stopped {
		return
	}

	// Queued events are drained on Stop even after ctx is cancelled.
	p.pool = newWorkerPool(context.WithoutCancel(ctx), p.cfg.Workers, p.cfg.QueueSize, p.Process, p.afterJob)

	jobCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.every(jobCtx, "sweep", p.cfg.SweepInterval, p.Sweep)
	if p.cfg.EnableForecasting && p.forecaster != nil {
		p.every(jobCtx, "forecast_refresh", p.cfg.ForecastRefreshInterval, p.RefreshForecasts)
	}
	if p.retention != nil {
		p.every(jobCtx, "retention", p.cfg.RetentionInterval, p.PruneRetention)
	}
	p.log.Info("analytics pipeline started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.pool.QueueCap()))
}

// Stop cancels the jobs and drains queued events.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	pool, cancel := p.pool, p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.jobs.Wait()
	if pool != nil {
		pool.Drain()
	}
	p.log.Info("analytics pipeline stopped")
}

// Submit queues ev for asynchronous processing. It never blocks; a full
// queue drops the event and returns false.
func (p *Pipeline) Submit(ev models.RawEvent) bool {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool == nil {
		metrics.EventsDroppedTotal.WithLabelValues("pipeline", "not_running").Inc()
		return false
	}
	if !pool.Submit(ev) {
		metrics.EventsDroppedTotal.WithLabelValues("pipeline", "queue_full").Inc()
		p.log.Warn("ingest queue full, event dropped",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", ev.EventType))
		return false
	}
	metrics.IngestQueueDepth.Set(float64(pool.QueueLen()))
	return true
}

// Process ingests ev synchronously and publishes the resulting updates.
func (p *Pipeline) Process(ctx context.Context, ev models.RawEvent) (*ingest.IngestResult, error) {
	res, err := p.ingester.Ingest(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		p.publish(ctx, res, ev.OccurredAt)
	}
	return res, nil
}

// Replay re-applies retained events that never committed. Replayed events
// are not broadcast.
func (p *Pipeline) Replay(ctx context.Context, limit int) (int, error) {
	return p.ingester.ReplayUnprocessed(ctx, limit)
}

func (p *Pipeline) afterJob(ev models.RawEvent, _ *ingest.IngestResult, err error) {
	p.mu.Lock()
	pool := p.pool
	p.mu.Unlock()
	if pool != nil {
		metrics.IngestQueueDepth.Set(float64(pool.QueueLen()))
	}
	if err != nil {
		p.log.Error("async ingest failed",
			zap.String("event_id", ev.EventID),
			zap.String("event_type", ev.EventType),
			zap.Error(err))
	}
}

func (p *Pipeline) publish(ctx context.Context, res *ingest.IngestResult, occurredAt time.Time) {
	if p.fanout == nil {
		return
	}
	for _, d := range res.Deltas {
		scope := models.Scope{ShopID: d.Dimensions.ShopID}
		data := map[string]any{
			"event_id":    res.EventID,
			"event_type":  res.EventType,
			"metric_type": d.MetricType,
			"value":       d.Value,
			"dimensions":  d.Dimensions,
			"bucket_key":  models.GranularityHourly.BucketKey(occurredAt),
			"occurred_at": occurredAt.UTC(),
		}
		p.fanout.Broadcast(ctx, models.TopicAnalytics, models.NewMessage(models.MsgMetricUpdate, models.TopicAnalytics, data), scope)
		if scope.ShopID != "" {
			p.fanout.Broadcast(ctx, models.TopicShopAnalytics, models.NewMessage(models.MsgMetricUpdate, models.TopicShopAnalytics, data), scope)
		}
	}
	for _, rec := range res.Anomalies {
		p.PublishAnomaly(ctx, rec)
	}
}

// PublishAnomaly sends an anomaly_alert to the anomalies and analytics topics.
func (p *Pipeline) PublishAnomaly(ctx context.Context, rec *models.AnomalyRecord) {
	if p.fanout == nil || rec == nil {
		return
	}
	scope := models.Scope{ShopID: rec.Dimensions.ShopID}
	for _, topic := range []models.Topic{models.TopicAnomalies, models.TopicAnalytics} {
		p.fanout.Broadcast(ctx, topic, models.NewMessage(models.MsgAnomalyAlert, topic, rec), scope)
	}
}

// PublishAcknowledgement tells subscribers that an anomaly was acknowledged.
func (p *Pipeline) PublishAcknowledgement(ctx context.Context, rec *models.AnomalyRecord) {
	if p.fanout == nil || rec == nil {
		return
	}
	p.fanout.Broadcast(ctx, models.TopicAnomalies,
		models.NewMessage(models.MsgAnomalyAcknowledged, models.TopicAnomalies, rec),
		models.Scope{ShopID: rec.Dimensions.ShopID})
}
