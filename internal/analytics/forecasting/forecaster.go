// Package forecasting projects daily metric history forward with a linear
// trend and a symmetric 95% band derived from the residual standard error.
package forecasting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/db"
	"github.com/kubilitics/kubilitics-analytics/internal/metrics"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

const (
	MinHistoryPoints = 7
	LookbackDays     = 30
	MaxDaysAhead     = 30
	ConfidenceLevel  = 0.95
	ModelName        = "linear_regression"
	ModelVersion     = "1.0"

	z95 = 1.96
)

// Store is the persistence the forecaster needs.
type Store interface {
	MetricSeries(ctx context.Context, q db.MetricQuery) ([]models.MetricPoint, error)
	SaveForecastRun(ctx context.Context, points []models.ForecastPoint) error
	LatestForecast(ctx context.Context, metricType models.MetricType, dims models.Dimensions, from time.Time) ([]models.ForecastPoint, error)
}

// Forecaster fits and persists forecast runs.
type Forecaster struct {
	store Store
	log   *zap.Logger
	now   func() time.Time
}

// NewForecaster creates a forecaster over store.
func NewForecaster(store Store, log *zap.Logger) *Forecaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Forecaster{store: store, log: log, now: time.Now}
}

// SetClock overrides the time source.
func (f *Forecaster) SetClock(now func() time.Time) { f.now = now }

// Forecast predicts daysAhead daily values for the key and persists them as
// one run. It returns an empty slice when fewer than MinHistoryPoints daily
// points exist in the trailing LookbackDays.
func (f *Forecaster) Forecast(ctx context.Context, metricType models.MetricType, daysAhead int, dims models.Dimensions) ([]models.ForecastPoint, error) {
	if !metricType.IsKnown() {
		return nil, models.NewValidationError("metric_type", "unknown metric %q", metricType)
	}
	if daysAhead < 1 || daysAhead > MaxDaysAhead {
		return nil, models.NewValidationError("days_ahead", "must be between 1 and %d, got %d", MaxDaysAhead, daysAhead)
	}

	now := f.now().UTC()
	today := models.GranularityDaily.BucketStart(now)

	vals, err := f.history(ctx, metricType, dims, today)
	if errors.Is(err, models.ErrInsufficientData) {
		f.log.Debug("not enough history to forecast",
			zap.String("metric_type", string(metricType)),
			zap.String("dimensions", dims.Key()),
			zap.Int("history_points", len(vals)))
		return []models.ForecastPoint{}, nil
	}
	if err != nil {
		return nil, err
	}
	fit := fitLinear(vals)
	band := z95 * fit.stdErr

	runID := uuid.NewString()
	points := make([]models.ForecastPoint, 0, daysAhead)
	for d := 1; d <= daysAhead; d++ {
		pred := fit.predict(float64(len(vals) - 1 + d))
		points = append(points, models.ForecastPoint{
			ForecastID:      uuid.NewString(),
			RunID:           runID,
			MetricType:      metricType,
			ForecastDate:    today.AddDate(0, 0, d),
			PredictedValue:  pred,
			ConfidenceLower: pred - band,
			ConfidenceUpper: pred + band,
			ConfidenceLevel: ConfidenceLevel,
			ModelName:       ModelName,
			ModelVersion:    ModelVersion,
			Dimensions:      dims,
			CreatedAt:       now,
		})
	}

	if err := f.store.SaveForecastRun(ctx, points); err != nil {
		return nil, fmt.Errorf("persist forecast run: %w", err)
	}

	f.log.Debug("forecast generated",
		zap.String("run_id", runID),
		zap.String("metric_type", string(metricType)),
		zap.String("dimensions", dims.Key()),
		zap.Int("history_points", len(vals)),
		zap.Float64("slope", fit.slope),
		zap.Float64("r_squared", rSquared(vals, fit)),
	)
	return points, nil
}

// history returns the daily values of the trailing LookbackDays before today.
// It returns ErrInsufficientData, along with what it found, when there are
// fewer than MinHistoryPoints.
func (f *Forecaster) history(ctx context.Context, metricType models.MetricType, dims models.Dimensions, today time.Time) ([]float64, error) {
	points, err := f.store.MetricSeries(ctx, db.MetricQuery{
		MetricType:  metricType,
		Granularity: models.GranularityDaily,
		Dimensions:  dims,
		From:        today.AddDate(0, 0, -LookbackDays),
	})
	if err != nil {
		return nil, fmt.Errorf("load daily history: %w", err)
	}
	vals := make([]float64, len(points))
	for i, p := range points {
		vals[i] = p.Value
	}
	if len(vals) < MinHistoryPoints {
		return vals, models.ErrInsufficientData
	}
	return vals, nil
}

// ForecastWithTrigger is Forecast plus a metric labelled with what started it.
func (f *Forecaster) ForecastWithTrigger(ctx context.Context, trigger string, metricType models.MetricType, daysAhead int, dims models.Dimensions) ([]models.ForecastPoint, error) {
	points, err := f.Forecast(ctx, metricType, daysAhead, dims)
	if err == nil && len(points) > 0 {
		metrics.ForecastsGeneratedTotal.WithLabelValues(string(metricType), trigger).Inc()
	}
	return points, err
}

// Latest returns the most recent run's points dated at or after now.
func (f *Forecaster) Latest(ctx context.Context, metricType models.MetricType, dims models.Dimensions) ([]models.ForecastPoint, error) {
	points, err := f.store.LatestForecast(ctx, metricType, dims, f.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("load latest forecast: %w", err)
	}
	return points, nil
}
