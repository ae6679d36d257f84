package forecasting

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-analytics/internal/db"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

func newStore(t *testing.T) db.Store {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// seedDaily writes one daily bucket per value, the last one on the day before now.
func seedDaily(t *testing.T, s db.Store, now time.Time, metric models.MetricType, dims models.Dimensions, values []float64) {
	t.Helper()
	ctx := context.Background()
	today := models.GranularityDaily.BucketStart(now)
	for i, v := range values {
		at := today.AddDate(0, 0, i-len(values)).Add(12 * time.Hour)
		id := fmt.Sprintf("d-%s-%d", metric, i)
		_, err := s.SaveRawEvent(ctx, &models.RawEvent{EventID: id, EventType: "seed", OccurredAt: at})
		require.NoError(t, err)
		_, err = s.ApplyEvent(ctx, id, at, []db.MetricUpsert{{
			MetricType:  metric,
			Granularity: models.GranularityDaily,
			BucketKey:   models.GranularityDaily.BucketKey(at),
			BucketStart: models.GranularityDaily.BucketStart(at),
			Dimensions:  dims,
			Value:       v,
		}})
		require.NoError(t, err)
	}
}

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestForecastInsufficientHistory(t *testing.T) {
	s := newStore(t)
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	seedDaily(t, s, now, models.MetricRevenue, models.Dimensions{}, []float64{1, 2, 3, 4, 5, 6})

	f := NewForecaster(s, nil)
	f.SetClock(fixedClock(now))
	pts, err := f.Forecast(context.Background(), models.MetricRevenue, 7, models.Dimensions{})
	require.NoError(t, err)
	assert.NotNil(t, pts)
	assert.Empty(t, pts)

	vals, err := f.history(context.Background(), models.MetricRevenue, models.Dimensions{}, models.GranularityDaily.BucketStart(now))
	assert.ErrorIs(t, err, models.ErrInsufficientData)
	assert.Len(t, vals, 6)
}

func TestForecastPerfectTrend(t *testing.T) {
	s := newStore(t)
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	seedDaily(t, s, now, models.MetricOrders, models.Dimensions{}, []float64{10, 20, 30, 40, 50, 60, 70, 80})

	f := NewForecaster(s, nil)
	f.SetClock(fixedClock(now))
	pts, err := f.Forecast(context.Background(), models.MetricOrders, 3, models.Dimensions{})
	require.NoError(t, err)
	require.Len(t, pts, 3)

	for i, p := range pts {
		assert.InDelta(t, float64(90+10*i), p.PredictedValue, 1e-6)
		assert.InDelta(t, p.PredictedValue, p.ConfidenceLower, 1e-6, "zero residuals give a zero-width band")
		assert.Equal(t, time.Date(2026, 5, 11+i, 0, 0, 0, 0, time.UTC), p.ForecastDate)
		assert.Equal(t, ConfidenceLevel, p.ConfidenceLevel)
		assert.Equal(t, ModelName, p.ModelName)
		assert.Equal(t, pts[0].RunID, p.RunID)
	}
}

func TestForecastBandUsesResidualStdError(t *testing.T) {
	vals := []float64{10, 14, 9, 15, 11, 16, 12}
	fit := fitLinear(vals)

	ssr := 0.0
	for i, v := range vals {
		r := v - fit.predict(float64(i))
		ssr += r * r
	}
	assert.InDelta(t, math.Sqrt(ssr/5), fit.stdErr, 1e-12)

	s := newStore(t)
	now := time.Date(2026, 5, 10, 15, 0, 0, 0, time.UTC)
	seedDaily(t, s, now, models.MetricRevenue, models.Dimensions{}, vals)
	f := NewForecaster(s, nil)
	f.SetClock(fixedClock(now))

	pts, err := f.Forecast(context.Background(), models.MetricRevenue, 1, models.Dimensions{})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.InDelta(t, 1.96*fit.stdErr, pts[0].ConfidenceUpper-pts[0].PredictedValue, 1e-9)
	assert.InDelta(t, 1.96*fit.stdErr, pts[0].PredictedValue-pts[0].ConfidenceLower, 1e-9)
}

func TestForecastValidation(t *testing.T) {
	f := NewForecaster(newStore(t), nil)
	ctx := context.Background()

	for _, days := range []int{0, -1, 31} {
		_, err := f.Forecast(ctx, models.MetricRevenue, days, models.Dimensions{})
		assert.True(t, models.IsValidation(err), "days=%d", days)
	}
	_, err := f.Forecast(ctx, "bananas", 7, models.Dimensions{})
	assert.True(t, models.IsValidation(err))
}

func TestLatestReturnsNewestRun(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	seedDaily(t, s, now, models.MetricRevenue, models.Dimensions{ShopID: "s1"}, []float64{5, 5, 5, 5, 5, 5, 5, 5})
	f := NewForecaster(s, nil)
	ctx := context.Background()

	first, err := f.Forecast(ctx, models.MetricRevenue, 5, models.Dimensions{ShopID: "s1"})
	require.NoError(t, err)
	require.Len(t, first, 5)

	f.SetClock(fixedClock(now.Add(time.Second)))
	second, err := f.Forecast(ctx, models.MetricRevenue, 2, models.Dimensions{ShopID: "s1"})
	require.NoError(t, err)

	latest, err := f.Latest(ctx, models.MetricRevenue, models.Dimensions{ShopID: "s1"})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, second[0].RunID, latest[0].RunID)

	other, err := f.Latest(ctx, models.MetricRevenue, models.Dimensions{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestForecastCancelledLeavesNoPartialRun(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	seedDaily(t, s, now, models.MetricOrders, models.Dimensions{}, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	f := NewForecaster(s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Forecast(ctx, models.MetricOrders, 7, models.Dimensions{})
	require.Error(t, err)

	latest, err := f.Latest(context.Background(), models.MetricOrders, models.Dimensions{})
	require.NoError(t, err)
	assert.Empty(t, latest)
}
