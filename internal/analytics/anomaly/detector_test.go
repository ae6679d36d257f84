package anomaly

import (
	"context"
	"fmt"
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

// seedHourly writes one hourly bucket per value, ending at the hour before
// now, and returns the start of the last bucket.
func seedHourly(t *testing.T, s db.Store, metric models.MetricType, dims models.Dimensions, values []float64) time.Time {
	t.Helper()
	start := time.Now().UTC().Truncate(time.Hour).Add(-time.Duration(len(values)) * time.Hour)
	for i, v := range values {
		applyHourly(t, s, metric, dims, start.Add(time.Duration(i)*time.Hour), v)
	}
	return start.Add(time.Duration(len(values)-1) * time.Hour)
}

func applyHourly(t *testing.T, s db.Store, metric models.MetricType, dims models.Dimensions, at time.Time, v float64) {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("%s-%s-%s", metric, dims.Key(), at.Format(time.RFC3339Nano))
	_, err := s.SaveRawEvent(ctx, &models.RawEvent{EventID: id, EventType: "seed", OccurredAt: at})
	require.NoError(t, err)
	_, err = s.ApplyEvent(ctx, id, at, []db.MetricUpsert{{
		MetricType:  metric,
		Granularity: models.GranularityHourly,
		BucketKey:   models.GranularityHourly.BucketKey(at),
		BucketStart: models.GranularityHourly.BucketStart(at),
		Dimensions:  dims,
		Value:       v,
	}})
	require.NoError(t, err)
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestDetectSpikeIsCritical(t *testing.T) {
	for _, algo := range []string{AlgorithmMAD, AlgorithmZScore, AlgorithmIsolationForest} {
		t.Run(algo, func(t *testing.T) {
			s := newStore(t)
			last := seedHourly(t, s, models.MetricRevenue, models.Dimensions{}, append(repeat(100, 10), 1000))

			test, err := NewOutlierTest(algo, 0.5)
			require.NoError(t, err)
			d := NewDetector(s, test, nil)

			rec, err := d.Detect(context.Background(), models.MetricRevenue, models.Dimensions{}, last)
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, models.SeverityCritical, rec.Severity)
			assert.Equal(t, 1000.0, rec.ActualValue)
			assert.Equal(t, 100.0, rec.ExpectedValue)
			assert.Equal(t, algo, rec.Algorithm)

			stored, err := s.GetAnomaly(context.Background(), rec.DetectionID)
			require.NoError(t, err)
			assert.Equal(t, rec.BucketKey, stored.BucketKey)
		})
	}
}

func TestDetectColdStartSkips(t *testing.T) {
	s := newStore(t)
	last := seedHourly(t, s, models.MetricOrders, models.Dimensions{}, append(repeat(5, 8), 500))

	rec, err := NewDetector(s, nil, nil).Detect(context.Background(), models.MetricOrders, models.Dimensions{}, last)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDetectNormalPointSkips(t *testing.T) {
	s := newStore(t)
	last := seedHourly(t, s, models.MetricOrders, models.Dimensions{}, []float64{10, 12, 11, 9, 10, 13, 11, 10, 12, 11, 12})

	rec, err := NewDetector(s, nil, nil).Detect(context.Background(), models.MetricOrders, models.Dimensions{}, last)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDetectOncePerBucketUnlessEscalated(t *testing.T) {
	s := newStore(t)
	dims := models.Dimensions{ShopID: "s1"}
	last := seedHourly(t, s, models.MetricRevenue, dims, append(repeat(100, 10), 1000))
	d := NewDetector(s, nil, nil)
	ctx := context.Background()

	first, err := d.Detect(ctx, models.MetricRevenue, dims, last)
	require.NoError(t, err)
	require.NotNil(t, first)

	again, err := d.Detect(ctx, models.MetricRevenue, dims, last)
	require.NoError(t, err)
	assert.Nil(t, again, "same bucket at same severity must not be recorded twice")

	list, err := s.ListAnomalies(ctx, db.AnomalyQuery{Exact: &dims})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDetectScopedToExactKey(t *testing.T) {
	s := newStore(t)
	last := seedHourly(t, s, models.MetricRevenue, models.Dimensions{ShopID: "a"}, append(repeat(100, 10), 1000))

	rec, err := NewDetector(s, nil, nil).Detect(context.Background(), models.MetricRevenue, models.Dimensions{ShopID: "b"}, last)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDetectOpenBucketDropIsNotAlerted(t *testing.T) {
	s := newStore(t)
	seedHourly(t, s, models.MetricRevenue, models.Dimensions{}, repeat(100, 10))
	now := time.Now().UTC()
	applyHourly(t, s, models.MetricRevenue, models.Dimensions{}, now, 1)

	d := NewDetector(s, nil, nil, WithClock(func() time.Time { return now }))
	rec, err := d.Detect(context.Background(), models.MetricRevenue, models.Dimensions{}, now)
	require.NoError(t, err)
	assert.Nil(t, rec, "a partial hour must not raise a drop alert")

	// The same drop counts once the hour has closed.
	later := now.Truncate(time.Hour).Add(time.Hour)
	d = NewDetector(s, nil, nil, WithClock(func() time.Time { return later }))
	rec, err = d.Detect(context.Background(), models.MetricRevenue, models.Dimensions{}, now)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.SeverityCritical, rec.Severity)
	assert.Equal(t, 1.0, rec.ActualValue)
}

func TestDetectOpenBucketSpikeIsAlerted(t *testing.T) {
	s := newStore(t)
	seedHourly(t, s, models.MetricRevenue, models.Dimensions{}, repeat(100, 10))
	now := time.Now().UTC()
	applyHourly(t, s, models.MetricRevenue, models.Dimensions{}, now, 1000)

	rec, err := NewDetector(s, nil, nil).Detect(context.Background(), models.MetricRevenue, models.Dimensions{}, now)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.GranularityHourly.BucketKey(now), rec.BucketKey)
}

func TestDetectChecksTheRequestedBucket(t *testing.T) {
	s := newStore(t)
	// A spike two hours ago followed by a normal hour.
	last := seedHourly(t, s, models.MetricRevenue, models.Dimensions{}, append(repeat(100, 10), 1000, 100))
	spike := last.Add(-time.Hour)
	d := NewDetector(s, nil, nil)

	rec, err := d.Detect(context.Background(), models.MetricRevenue, models.Dimensions{}, last)
	require.NoError(t, err)
	assert.Nil(t, rec, "the newest bucket is normal")

	rec, err = d.Detect(context.Background(), models.MetricRevenue, models.Dimensions{}, spike.Add(30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.GranularityHourly.BucketKey(spike), rec.BucketKey)
	assert.Equal(t, 1000.0, rec.ActualValue)

	rec, err = d.Detect(context.Background(), models.MetricRevenue, models.Dimensions{}, last.Add(5*time.Hour))
	require.NoError(t, err)
	assert.Nil(t, rec, "a bucket with no row has nothing to check")
}

func TestAcknowledge(t *testing.T) {
	s := newStore(t)
	last := seedHourly(t, s, models.MetricRevenue, models.Dimensions{}, append(repeat(100, 10), 1000))
	d := NewDetector(s, nil, nil)
	ctx := context.Background()

	rec, err := d.Detect(ctx, models.MetricRevenue, models.Dimensions{}, last)
	require.NoError(t, err)
	require.NotNil(t, rec)

	acked, err := d.Acknowledge(ctx, rec.DetectionID, "alice")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)

	again, err := d.Acknowledge(ctx, rec.DetectionID, "bob")
	require.NoError(t, err)
	assert.True(t, again.Acknowledged)
	assert.Equal(t, "alice", again.AcknowledgedBy)

	_, err = d.Acknowledge(ctx, "missing", "alice")
	assert.True(t, models.IsNotFound(err))

	_, err = d.Acknowledge(ctx, "", "alice")
	assert.True(t, models.IsValidation(err))
}

func TestSeverityBuckets(t *testing.T) {
	cases := []struct {
		actual, expected float64
		want             models.Severity
	}{
		{1000, 100, models.SeverityCritical},
		{150, 100, models.SeverityCritical},
		{130, 100, models.SeverityHigh},
		{70, 100, models.SeverityHigh},
		{115, 100, models.SeverityMedium},
		{110, 100, models.SeverityLow},
		{50, 0, models.SeverityLow},
		{50, -10, models.SeverityLow},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Severity(tc.actual, tc.expected), "actual=%v expected=%v", tc.actual, tc.expected)
	}
}

func TestOutlierTests(t *testing.T) {
	baseline := []float64{10, 12, 11, 9, 10, 13, 11, 10, 12}

	_, bad := MADTest{Limit: 3.5}.Evaluate(baseline, 11)
	assert.False(t, bad)
	_, bad = MADTest{Limit: 3.5}.Evaluate(baseline, 60)
	assert.True(t, bad)

	_, bad = ZScoreTest{Limit: sensitivityToZThreshold(0.5)}.Evaluate(baseline, 60)
	assert.True(t, bad)

	_, bad = MADTest{Limit: 3.5}.Evaluate(repeat(0, 9), 0)
	assert.False(t, bad)

	_, err := NewOutlierTest("prophet", 0.5)
	assert.Error(t, err)

	assert.InDelta(t, 4.0, sensitivityToZThreshold(0), 1e-9)
	assert.InDelta(t, 1.5, sensitivityToZThreshold(1), 1e-9)
}
