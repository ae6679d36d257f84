// Package anomaly evaluates the freshly updated hourly bucket of a metric
// against a rolling baseline of the preceding buckets.
//
// The outlier test is pluggable (see OutlierTest). Severity is independent of
// the test and is derived from the deviation ratio |actual-expected|/expected.
package anomaly

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/db"
	"github.com/kubilitics/kubilitics-analytics/internal/metrics"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

const (
	// MinPoints is the fewest hourly points (baseline + candidate) evaluated.
	MinPoints = 10
	// DefaultWindow is the number of hourly points pulled per check.
	DefaultWindow = 24
)

// Store is the persistence the detector needs.
type Store interface {
	RecentMetricPoints(ctx context.Context, metricType models.MetricType, granularity models.Granularity, dims models.Dimensions, through time.Time, n int) ([]models.MetricPoint, error)
	SaveAnomaly(ctx context.Context, rec *models.AnomalyRecord) error
	BucketAnomaly(ctx context.Context, metricType models.MetricType, dims models.Dimensions, bucketKey string) (*models.AnomalyRecord, error)
	GetAnomaly(ctx context.Context, detectionID string) (*models.AnomalyRecord, error)
	AcknowledgeAnomaly(ctx context.Context, detectionID, by string, at time.Time) (*models.AnomalyRecord, error)
}

var _ Store = (db.Store)(nil)

// Detector runs outlier tests over hourly metric history.
type Detector struct {
	store  Store
	test   OutlierTest
	window int
	log    *zap.Logger
	now    func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithWindow sets how many hourly points are pulled per check.
func WithWindow(n int) Option {
	return func(d *Detector) {
		if n >= MinPoints {
			d.window = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a detector using test (MAD when nil).
func NewDetector(store Store, test OutlierTest, log *zap.Logger, opts ...Option) *Detector {
	if test == nil {
		test = MADTest{Limit: 3.5}
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Detector{store: store, test: test, window: DefaultWindow, log: log, now: time.Now}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Algorithm returns the name of the configured outlier test.
func (d *Detector) Algorithm() string { return d.test.Name() }

// Detect checks the hourly bucket containing at for metricType and dims,
// against the buckets before it. It returns nil when there is too little
// history, when the bucket is normal, or when the bucket already carries a
// record of equal or higher severity. While the bucket is still open only
// upward deviations are flagged; a partial hour is expected to run low.
func (d *Detector) Detect(ctx context.Context, metricType models.MetricType, dims models.Dimensions, at time.Time) (*models.AnomalyRecord, error) {
	bucket := models.GranularityHourly.BucketStart(at)
	points, err := d.store.RecentMetricPoints(ctx, metricType, models.GranularityHourly, dims, bucket, d.window)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(points) < MinPoints {
		return nil, nil
	}
	last := points[len(points)-1]
	if !last.BucketStart.Equal(bucket) {
		return nil, nil
	}

	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	baseline := values[:len(values)-1]

	score, anomalous := d.test.Evaluate(baseline, last.Value)
	if !anomalous {
		return nil, nil
	}

	expected := mean(baseline)
	if last.Value < expected && d.open(bucket) {
		return nil, nil
	}
	severity := Severity(last.Value, expected)

	existing, err := d.store.BucketAnomaly(ctx, metricType, dims, last.BucketKey)
	if err != nil {
		return nil, fmt.Errorf("check bucket anomaly: %w", err)
	}
	if existing != nil && existing.Severity.Rank() >= severity.Rank() {
		return nil, nil
	}

	rec := &models.AnomalyRecord{
		DetectionID:   uuid.NewString(),
		MetricType:    metricType,
		BucketKey:     last.BucketKey,
		Timestamp:     d.now().UTC(),
		ActualValue:   last.Value,
		ExpectedValue: expected,
		AnomalyScore:  score,
		Severity:      severity,
		Algorithm:     d.test.Name(),
		Threshold:     d.test.Threshold(),
		Dimensions:    dims,
	}
	if err := d.store.SaveAnomaly(ctx, rec); err != nil {
		return nil, fmt.Errorf("save anomaly: %w", err)
	}

	metrics.AnomaliesDetectedTotal.WithLabelValues(string(metricType), string(severity), rec.Algorithm).Inc()
	d.log.Info("anomaly detected",
		zap.String("detection_id", rec.DetectionID),
		zap.String("metric_type", string(metricType)),
		zap.String("bucket", rec.BucketKey),
		zap.String("dimensions", dims.Key()),
		zap.Float64("actual", rec.ActualValue),
		zap.Float64("expected", rec.ExpectedValue),
		zap.String("severity", string(severity)),
	)
	return rec, nil
}

// open reports whether the hourly bucket starting at bucket has not ended yet.
func (d *Detector) open(bucket time.Time) bool {
	return d.now().UTC().Before(bucket.Add(time.Hour))
}

// Acknowledge marks a detection acknowledged by actorID. Repeated calls
// succeed without changing the original acknowledgement.
func (d *Detector) Acknowledge(ctx context.Context, detectionID, actorID string) (*models.AnomalyRecord, error) {
	if detectionID == "" {
		return nil, models.NewValidationError("detection_id", "is required")
	}
	return d.store.AcknowledgeAnomaly(ctx, detectionID, actorID, d.now().UTC())
}

// Severity grades the deviation ratio |actual-expected|/expected.
// A non-positive expected value yields a ratio of 0.
func Severity(actual, expected float64) models.Severity {
	ratio := 0.0
	if expected > 0 {
		ratio = (actual - expected) / expected
		if ratio < 0 {
			ratio = -ratio
		}
	}
	switch {
	case ratio >= 0.5:
		return models.SeverityCritical
	case ratio >= 0.3:
		return models.SeverityHigh
	case ratio >= 0.15:
		return models.SeverityMedium
	}
	return models.SeverityLow
}
