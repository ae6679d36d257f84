package db

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// Store is the persistence interface for the analytics engine.
type Store interface {
	MetricStore
	EventStore
	ForecastStore
	AnomalyStore
	AuditStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Metric store ─────────────────────────────────────────────────────────────

// MetricUpsert is one additive contribution to a metric bucket.
type MetricUpsert struct {
	MetricType  models.MetricType
	Granularity models.Granularity
	BucketKey   string
	BucketStart time.Time
	Dimensions  models.Dimensions
	Value       float64
}

// MetricQuery selects a series for one exact dimension tuple.
type MetricQuery struct {
	MetricType  models.MetricType
	Granularity models.Granularity
	Dimensions  models.Dimensions
	From        time.Time // inclusive, compared against bucket_start
	To          time.Time // exclusive; zero means open-ended
}

// MetricStore holds time-bucketed aggregates.
type MetricStore interface {
	// ApplyEvent claims an unprocessed raw event and applies its upserts in
	// one transaction. It returns false without touching any bucket when the
	// event was already processed.
	ApplyEvent(ctx context.Context, eventID string, processedAt time.Time, upserts []MetricUpsert) (bool, error)

	// MetricSeries returns points in ascending bucket order.
	MetricSeries(ctx context.Context, q MetricQuery) ([]models.MetricPoint, error)

	// RecentMetricPoints returns the last n points for the key whose bucket
	// starts at or before through (zero means no bound), ascending.
	RecentMetricPoints(ctx context.Context, metricType models.MetricType, granularity models.Granularity, dims models.Dimensions, through time.Time, n int) ([]models.MetricPoint, error)

	// PruneMetricPoints deletes buckets that started before cutoff.
	PruneMetricPoints(ctx context.Context, granularity models.Granularity, cutoff time.Time) (int64, error)
}

// ─── Raw event store ──────────────────────────────────────────────────────────

// EventStore retains ingested events for replay and audit.
type EventStore interface {
	// SaveRawEvent inserts the event unless its id already exists.
	// It reports whether a new row was written.
	SaveRawEvent(ctx context.Context, ev *models.RawEvent) (bool, error)

	GetRawEvent(ctx context.Context, eventID string) (*models.RawEvent, error)

	// ListUnprocessedEvents returns retained events not yet applied, oldest first.
	ListUnprocessedEvents(ctx context.Context, limit int) ([]*models.RawEvent, error)
}

// ─── Forecast store ───────────────────────────────────────────────────────────

// ForecastStore persists forecast runs.
type ForecastStore interface {
	// SaveForecastRun writes every point of a run in a single transaction.
	SaveForecastRun(ctx context.Context, points []models.ForecastPoint) error

	// LatestForecast returns the points of the most recent run for the key
	// whose forecast_date is at or after from.
	LatestForecast(ctx context.Context, metricType models.MetricType, dims models.Dimensions, from time.Time) ([]models.ForecastPoint, error)
}

// ─── Anomaly store ────────────────────────────────────────────────────────────

// AnomalyQuery filters anomaly records. Exact, when set, matches the full
// dimension tuple; otherwise ShopID narrows by tenant only.
type AnomalyQuery struct {
	MetricType   models.MetricType
	Exact        *models.Dimensions
	ShopID       string
	Severity     models.Severity
	Acknowledged *bool
	Since        time.Time
	Limit        int
}

// AnomalyStore persists anomaly detections.
type AnomalyStore interface {
	SaveAnomaly(ctx context.Context, rec *models.AnomalyRecord) error

	// BucketAnomaly returns the most severe record already stored for the
	// bucket, or nil when there is none.
	BucketAnomaly(ctx context.Context, metricType models.MetricType, dims models.Dimensions, bucketKey string) (*models.AnomalyRecord, error)

	GetAnomaly(ctx context.Context, detectionID string) (*models.AnomalyRecord, error)

	// ListAnomalies returns records newest first.
	ListAnomalies(ctx context.Context, q AnomalyQuery) ([]*models.AnomalyRecord, error)

	// AcknowledgeAnomaly marks the record acknowledged once. Later calls leave
	// the original acknowledger and time in place.
	AcknowledgeAnomaly(ctx context.Context, detectionID, by string, at time.Time) (*models.AnomalyRecord, error)
}

// ─── Audit store ──────────────────────────────────────────────────────────────

// AuditQuery filters audit entries.
type AuditQuery struct {
	ActorID string
	Action  string
	Outcome models.Outcome
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// AuditStore is the append-only audit table.
type AuditStore interface {
	AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error

	// QueryAuditEntries returns entries newest first.
	QueryAuditEntries(ctx context.Context, q AuditQuery) ([]*models.AuditEntry, error)
}
