// Package query answers dashboard reads. Every public call resolves the
// caller's tenant scope, composes the result from the metric store, the
// forecaster and recent anomalies, and records exactly one audit entry.
package query

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/audit"
	"github.com/kubilitics/kubilitics-analytics/internal/broker"
	"github.com/kubilitics/kubilitics-analytics/internal/db"
	"github.com/kubilitics/kubilitics-analytics/internal/metrics"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

const (
	chartAnomalyLimit  = 10
	chartAnomalyWindow = 24 * time.Hour
	onDemandDays       = 7
	maxForecastDays    = 30

	defaultListLimit = 50
	maxListLimit     = 500
)

// Store is the persistence the engine reads.
type Store interface {
	MetricSeries(ctx context.Context, q db.MetricQuery) ([]models.MetricPoint, error)
	GetAnomaly(ctx context.Context, detectionID string) (*models.AnomalyRecord, error)
	ListAnomalies(ctx context.Context, q db.AnomalyQuery) ([]*models.AnomalyRecord, error)
	QueryAuditEntries(ctx context.Context, q db.AuditQuery) ([]*models.AuditEntry, error)
}

// Forecaster produces and reads forecast runs.
type Forecaster interface {
	ForecastWithTrigger(ctx context.Context, trigger string, metricType models.MetricType, daysAhead int, dims models.Dimensions) ([]models.ForecastPoint, error)
	Latest(ctx context.Context, metricType models.MetricType, dims models.Dimensions) ([]models.ForecastPoint, error)
}

// Acknowledger marks anomalies acknowledged.
type Acknowledger interface {
	Acknowledge(ctx context.Context, detectionID, actorID string) (*models.AnomalyRecord, error)
}

// StatsSource reports live connection statistics.
type StatsSource interface {
	Stats() broker.Stats
}

// Engine is the audited read surface.
type Engine struct {
	store       Store
	forecaster  Forecaster
	ack         Acknowledger
	stats       StatsSource
	auditor     *audit.Logger
	forecasting bool
	log         *zap.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithForecasting toggles on-demand forecast generation for chart reads.
func WithForecasting(enabled bool) Option { return func(e *Engine) { e.forecasting = enabled } }

// WithStats wires the connection statistics source.
func WithStats(s StatsSource) Option { return func(e *Engine) { e.stats = s } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates a query engine.
func NewEngine(store Store, forecaster Forecaster, ack Acknowledger, auditor *audit.Logger, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		store:       store,
		forecaster:  forecaster,
		ack:         ack,
		auditor:     auditor,
		forecasting: true,
		log:         log,
		now:         time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// GetChartData returns the series, aggregations, forecast and recent
// anomalies for one metric and dimension tuple.
func (e *Engine) GetChartData(ctx context.Context, req ChartRequest, actor models.Actor) (resp *ChartResponse, err error) {
	entry := audit.NewEntry(actor, audit.ActionGetChartData, "metric:"+string(req.MetricType)).
		WithFilter("metric_type", string(req.MetricType)).
		WithFilter("time_range", req.TimeRange).
		WithFilter("granularity", string(req.Granularity)).
		WithFilters(req.Dimensions.Map())
	defer e.finish(ctx, entry, time.Now(), &err)

	if req.TimeRange == "" {
		req.TimeRange = DefaultRange
	}
	if err := validateChart(req); err != nil {
		return nil, err
	}
	dims, err := resolveScope(actor, req.Dimensions)
	if err != nil {
		return nil, err
	}
	entry.WithFilter("shop_id", dims.ShopID)

	gran := req.Granularity
	if gran == "" {
		gran = autoGranularity(req.TimeRange)
	}
	now := e.now().UTC()
	start := gran.BucketStart(now.Add(-rangeDurations[req.TimeRange]))

	series, err := e.series(ctx, req.MetricType, gran, dims, start)
	if err != nil {
		return nil, err
	}
	anomalies, err := e.store.ListAnomalies(ctx, db.AnomalyQuery{
		MetricType: req.MetricType,
		Exact:      &dims,
		Since:      now.Add(-chartAnomalyWindow),
		Limit:      chartAnomalyLimit,
	})
	if err != nil {
		return nil, err
	}

	return &ChartResponse{
		MetricType:   req.MetricType,
		TimeRange:    req.TimeRange,
		Granularity:  gran,
		Dimensions:   dims,
		Start:        start,
		Series:       series,
		Aggregations: aggregate(series),
		Forecast:     e.chartForecast(ctx, req.MetricType, dims),
		Anomalies:    anomalies,
		GeneratedAt:  now,
	}, nil
}

// GetForecast returns Days forecast points, reusing the latest run when it
// covers the horizon and generating a fresh run otherwise.
func (e *Engine) GetForecast(ctx context.Context, req ForecastRequest, actor models.Actor) (points []models.ForecastPoint, err error) {
	entry := audit.NewEntry(actor, audit.ActionGetForecast, "forecast:"+string(req.MetricType)).
		WithFilter("metric_type", string(req.MetricType)).
		WithFilters(req.Dimensions.Map())
	if req.Days > 0 {
		entry.WithFilter("days", strconv.Itoa(req.Days))
	}
	defer e.finish(ctx, entry, time.Now(), &err)

	if !req.MetricType.IsKnown() {
		return nil, models.NewValidationError("metric_type", "unknown metric %q", req.MetricType)
	}
	if req.Days == 0 {
		req.Days = onDemandDays
	}
	if req.Days < 1 || req.Days > maxForecastDays {
		return nil, models.NewValidationError("days", "must be between 1 and %d, got %d", maxForecastDays, req.Days)
	}
	dims, err := resolveScope(actor, req.Dimensions)
	if err != nil {
		return nil, err
	}
	entry.WithFilter("shop_id", dims.ShopID)

	latest, err := e.forecaster.Latest(ctx, req.MetricType, dims)
	if err != nil {
		return nil, err
	}
	if len(latest) >= req.Days {
		return latest[:req.Days], nil
	}
	return e.forecaster.ForecastWithTrigger(ctx, "on_demand", req.MetricType, req.Days, dims)
}

// ListAnomalies returns anomalies newest first. Shop owners only ever see
// their own shop.
func (e *Engine) ListAnomalies(ctx context.Context, f AnomalyFilter, actor models.Actor) (out []*models.AnomalyRecord, err error) {
	entry := audit.NewEntry(actor, audit.ActionListAnomalies, "anomalies").
		WithFilter("metric_type", string(f.MetricType)).
		WithFilter("shop_id", f.ShopID).
		WithFilter("severity", string(f.Severity))
	defer e.finish(ctx, entry, time.Now(), &err)

	if f.MetricType != "" && !f.MetricType.IsKnown() {
		return nil, models.NewValidationError("metric_type", "unknown metric %q", f.MetricType)
	}
	if f.Severity != "" && f.Severity.Rank() == 0 {
		return nil, models.NewValidationError("severity", "unknown severity %q", f.Severity)
	}
	scoped, err := resolveScope(actor, models.Dimensions{ShopID: f.ShopID})
	if err != nil {
		return nil, err
	}
	entry.WithFilter("shop_id", scoped.ShopID)

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	out, err = e.store.ListAnomalies(ctx, db.AnomalyQuery{
		MetricType:   f.MetricType,
		ShopID:       scoped.ShopID,
		Severity:     f.Severity,
		Acknowledged: f.Acknowledged,
		Since:        f.Since,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcknowledgeAnomaly marks a detection acknowledged by actor. Repeated
// acknowledgements succeed and keep the first acknowledger.
func (e *Engine) AcknowledgeAnomaly(ctx context.Context, detectionID string, actor models.Actor) (rec *models.AnomalyRecord, err error) {
	entry := audit.NewEntry(actor, audit.ActionAcknowledgeAnomaly, "anomaly:"+detectionID).
		WithFilter("detection_id", detectionID)
	defer e.finish(ctx, entry, time.Now(), &err)

	if detectionID == "" {
		return nil, models.NewValidationError("detection_id", "is required")
	}
	existing, err := e.store.GetAnomaly(ctx, detectionID)
	if err != nil {
		return nil, err
	}
	if _, err := resolveScope(actor, models.Dimensions{ShopID: existing.Dimensions.ShopID}); err != nil {
		return nil, err
	}
	if existing.Dimensions.ShopID == "" && !actor.PlatformWide() {
		return nil, &models.UnauthorizedError{Reason: "platform-wide anomalies can only be acknowledged by admins"}
	}
	return e.ack.Acknowledge(ctx, detectionID, actor.ID)
}

// ListAuditLogs returns audit entries newest first. Admin only.
func (e *Engine) ListAuditLogs(ctx context.Context, f AuditFilter, actor models.Actor) (out []*models.AuditEntry, err error) {
	entry := audit.NewEntry(actor, audit.ActionListAuditLogs, "audit_logs").
		WithFilter("actor_id", f.ActorID).
		WithFilter("action", f.Action).
		WithFilter("outcome", string(f.Outcome))
	defer e.finish(ctx, entry, time.Now(), &err)

	if !actor.PlatformWide() {
		return nil, &models.UnauthorizedError{Reason: "audit logs require admin role"}
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, models.NewValidationError("to", "must not be before from")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return e.store.QueryAuditEntries(ctx, db.AuditQuery{
		ActorID: f.ActorID,
		Action:  f.Action,
		Outcome: f.Outcome,
		From:    f.From,
		To:      f.To,
		Limit:   limit,
		Offset:  f.Offset,
	})
}

// ConnectionStats returns live broker statistics. Admin only.
func (e *Engine) ConnectionStats(ctx context.Context, actor models.Actor) (st broker.Stats, err error) {
	entry := audit.NewEntry(actor, audit.ActionConnectionStats, "connections")
	defer e.finish(ctx, entry, time.Now(), &err)

	if !actor.PlatformWide() {
		return broker.Stats{}, &models.UnauthorizedError{Reason: "connection stats require admin role"}
	}
	if e.stats == nil {
		return broker.Stats{ByRole: map[string]int{}, ByTopic: map[string]int{}}, nil
	}
	return e.stats.Stats(), nil
}

// finish records the audit entry and maps unexpected errors to ErrInternal.
func (e *Engine) finish(ctx context.Context, entry *audit.Entry, start time.Time, errp *error) {
	err := *errp
	entry.WithError(err)
	if e.auditor != nil {
		// Audit errors are logged by the auditor and do not change the answer.
		_ = e.auditor.Record(ctx, entry)
	}
	metrics.QueriesTotal.WithLabelValues(entry.Action, string(entry.Outcome)).Inc()
	metrics.QueryDuration.WithLabelValues(entry.Action).Observe(time.Since(start).Seconds())

	if err == nil || models.IsValidation(err) || models.IsNotFound(err) || models.IsUnauthorized(err) {
		return
	}
	e.log.Error("query failed",
		zap.String("action", entry.Action),
		zap.String("actor_id", entry.ActorID),
		zap.String("request_id", entry.RequestID),
		zap.Error(err))
	*errp = models.ErrInternal
}

// series loads rows for gran. Weekly and monthly are rolled up from daily rows.
func (e *Engine) series(ctx context.Context, mt models.MetricType, gran models.Granularity, dims models.Dimensions, start time.Time) ([]SeriesPoint, error) {
	stored := gran
	if gran == models.GranularityWeekly || gran == models.GranularityMonthly {
		stored = models.GranularityDaily
	}
	rows, err := e.store.MetricSeries(ctx, db.MetricQuery{
		MetricType:  mt,
		Granularity: stored,
		Dimensions:  dims,
		From:        start,
	})
	if err != nil {
		return nil, err
	}
	if stored == gran {
		out := make([]SeriesPoint, 0, len(rows))
		for _, r := range rows {
			out = append(out, SeriesPoint{Timestamp: r.BucketStart, BucketKey: r.BucketKey, Value: r.Value, SampleCount: r.SampleCount})
		}
		return out, nil
	}
	return rollup(rows, gran), nil
}

func rollup(rows []models.MetricPoint, gran models.Granularity) []SeriesPoint {
	byKey := make(map[string]*SeriesPoint)
	for _, r := range rows {
		key := gran.BucketKey(r.BucketStart)
		p, ok := byKey[key]
		if !ok {
			p = &SeriesPoint{Timestamp: gran.BucketStart(r.BucketStart), BucketKey: key}
			byKey[key] = p
		}
		p.Value += r.Value
		p.SampleCount += r.SampleCount
	}
	out := make([]SeriesPoint, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func aggregate(series []SeriesPoint) Aggregations {
	var a Aggregations
	for _, p := range series {
		a.Total += p.Value
		a.Count += p.SampleCount
	}
	a.DataPointCount = len(series)
	if a.DataPointCount > 0 {
		a.Average = a.Total / float64(a.DataPointCount)
	}
	return a
}

// chartForecast never fails the chart read; forecast problems are logged.
func (e *Engine) chartForecast(ctx context.Context, mt models.MetricType, dims models.Dimensions) []models.ForecastPoint {
	if e.forecaster == nil {
		return []models.ForecastPoint{}
	}
	points, err := e.forecaster.Latest(ctx, mt, dims)
	if err == nil && len(points) == 0 && e.forecasting {
		points, err = e.forecaster.ForecastWithTrigger(ctx, "on_demand", mt, onDemandDays, dims)
	}
	if err != nil {
		e.log.Warn("forecast unavailable for chart",
			zap.String("metric_type", string(mt)),
			zap.String("dimensions", dims.Key()),
			zap.Error(err))
		return []models.ForecastPoint{}
	}
	if points == nil {
		points = []models.ForecastPoint{}
	}
	return points
}

func validateChart(req ChartRequest) error {
	if !req.MetricType.IsKnown() {
		return models.NewValidationError("metric_type", "unknown metric %q", req.MetricType)
	}
	if _, ok := rangeDurations[req.TimeRange]; !ok {
		return models.NewValidationError("time_range", "must be one of 1h, 24h, 7d, 30d, 90d, got %q", req.TimeRange)
	}
	if req.Granularity != "" && !req.Granularity.Valid() {
		return models.NewValidationError("granularity", "unknown granularity %q", req.Granularity)
	}
	return nil
}

// resolveScope applies the actor's tenant restriction to requested dims.
func resolveScope(actor models.Actor, dims models.Dimensions) (models.Dimensions, error) {
	switch {
	case actor.PlatformWide():
		return dims, nil
	case actor.ShopScoped():
		if actor.BoundShopID == "" {
			return dims, &models.UnauthorizedError{Reason: "no shop bound to actor"}
		}
		if dims.ShopID != "" && dims.ShopID != actor.BoundShopID {
			return dims, &models.UnauthorizedError{Reason: "access to another shop's analytics is not allowed"}
		}
		dims.ShopID = actor.BoundShopID
		return dims, nil
	}
	return dims, &models.UnauthorizedError{Reason: fmt.Sprintf("role %q has no analytics access", actor.Role)}
}
