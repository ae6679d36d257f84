package query

import (
	"time"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// Time ranges accepted by GetChartData.
const (
	Range1h  = "1h"
	Range24h = "24h"
	Range7d  = "7d"
	Range30d = "30d"
	Range90d = "90d"

	DefaultRange = Range24h
)

var rangeDurations = map[string]time.Duration{
	Range1h:  time.Hour,
	Range24h: 24 * time.Hour,
	Range7d:  7 * 24 * time.Hour,
	Range30d: 30 * 24 * time.Hour,
	Range90d: 90 * 24 * time.Hour,
}

// autoGranularity picks hourly buckets for short ranges, daily otherwise.
func autoGranularity(timeRange string) models.Granularity {
	if timeRange == Range1h || timeRange == Range24h {
		return models.GranularityHourly
	}
	return models.GranularityDaily
}

// ChartRequest selects one metric series.
type ChartRequest struct {
	MetricType models.MetricType `json:"metric_type"`
	TimeRange  string            `json:"time_range"`
	// Granularity overrides the range-derived bucket size when set.
	Granularity models.Granularity `json:"granularity,omitempty"`
	Dimensions  models.Dimensions  `json:"dimensions"`
}

// SeriesPoint is one bucket of a chart series.
type SeriesPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	BucketKey   string    `json:"bucket_key"`
	Value       float64   `json:"value"`
	SampleCount int64     `json:"sample_count"`
}

// Aggregations summarise a series.
type Aggregations struct {
	Total          float64 `json:"total"`
	Count          int64   `json:"count"`
	Average        float64 `json:"average"`
	DataPointCount int     `json:"data_point_count"`
}

// ChartResponse is the composed answer to a ChartRequest.
type ChartResponse struct {
	MetricType   models.MetricType       `json:"metric_type"`
	TimeRange    string                  `json:"time_range"`
	Granularity  models.Granularity      `json:"granularity"`
	Dimensions   models.Dimensions       `json:"dimensions"`
	Start        time.Time               `json:"start"`
	Series       []SeriesPoint           `json:"series"`
	Aggregations Aggregations            `json:"aggregations"`
	Forecast     []models.ForecastPoint  `json:"forecast"`
	Anomalies    []*models.AnomalyRecord `json:"anomalies"`
	GeneratedAt  time.Time               `json:"generated_at"`
}

// ForecastRequest asks for a forecast of Days days.
type ForecastRequest struct {
	MetricType models.MetricType `json:"metric_type"`
	Days       int               `json:"days"`
	Dimensions models.Dimensions `json:"dimensions"`
}

// AnomalyFilter narrows ListAnomalies.
type AnomalyFilter struct {
	MetricType   models.MetricType `json:"metric_type,omitempty"`
	ShopID       string            `json:"shop_id,omitempty"`
	Severity     models.Severity   `json:"severity,omitempty"`
	Acknowledged *bool             `json:"acknowledged,omitempty"`
	Since        time.Time         `json:"since,omitempty"`
	Limit        int               `json:"limit,omitempty"`
}

// AuditFilter narrows ListAuditLogs.
type AuditFilter struct {
	ActorID string         `json:"actor_id,omitempty"`
	Action  string         `json:"action,omitempty"`
	Outcome models.Outcome `json:"outcome,omitempty"`
	From    time.Time      `json:"from,omitempty"`
	To      time.Time      `json:"to,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Offset  int            `json:"offset,omitempty"`
}
