package analytics

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/metrics"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// every runs fn on a ticker until ctx is done. A non-positive interval
// disables the job.
func (p *Pipeline) every(ctx context.Context, name string, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		p.log.Debug("background job disabled", zap.String("job", name))
		return
	}
	p.jobs.Add(1)
	go func() {
		defer p.jobs.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sweep closes idle and unauthenticated connections.
func (p *Pipeline) Sweep(ctx context.Context) {
	if p.fanout == nil {
		return
	}
	p.fanout.Sweep(ctx, p.now())
}

// RefreshForecasts regenerates platform-wide forecasts for the configured
// metrics and broadcasts each new run.
func (p *Pipeline) RefreshForecasts(ctx context.Context) {
	if p.forecaster == nil {
		return
	}
	for _, mt := range p.cfg.ForecastMetrics {
		if ctx.Err() != nil {
			return
		}
		points, err := p.forecaster.ForecastWithTrigger(ctx, "scheduled", mt, p.cfg.ForecastDays, models.Dimensions{})
		if err != nil {
			p.log.Warn("scheduled forecast failed", zap.String("metric_type", string(mt)), zap.Error(err))
			continue
		}
		if len(points) == 0 {
			p.log.Debug("not enough history to forecast", zap.String("metric_type", string(mt)))
			continue
		}
		p.publishForecast(ctx, mt, points)
	}
}

func (p *Pipeline) publishForecast(ctx context.Context, mt models.MetricType, points []models.ForecastPoint) {
	if p.fanout == nil {
		return
	}
	data := map[string]any{
		"metric_type": mt,
		"run_id":      points[0].RunID,
		"forecast":    points,
	}
	scope := models.Scope{ShopID: points[0].Dimensions.ShopID}
	for _, topic := range []models.Topic{models.TopicForecasts, models.TopicAnalytics} {
		p.fanout.Broadcast(ctx, topic, models.NewMessage(models.MsgForecastUpdate, topic, data), scope)
	}
}

// PruneRetention deletes hourly and daily buckets past their retention.
func (p *Pipeline) PruneRetention(ctx context.Context) {
	if p.retention == nil {
		return
	}
	now := p.now().UTC()
	for _, r := range []struct {
		gran models.Granularity
		keep time.Duration
	}{
		{models.GranularityHourly, p.cfg.HourlyRetention},
		{models.GranularityDaily, p.cfg.DailyRetention},
	} {
		if r.keep <= 0 {
			continue
		}
		n, err := p.retention.PruneMetricPoints(ctx, r.gran, now.Add(-r.keep))
		if err != nil {
			p.log.Warn("retention prune failed", zap.String("granularity", string(r.gran)), zap.Error(err))
			continue
		}
		if n > 0 {
			metrics.RetentionPrunedTotal.WithLabelValues(string(r.gran)).Add(float64(n))
			p.log.Info("pruned metric points", zap.String("granularity", string(r.gran)), zap.Int64("rows", n))
		}
	}
}
