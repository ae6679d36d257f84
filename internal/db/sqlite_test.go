package db

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func saveEvent(t *testing.T, s Store, id string, dims models.Dimensions, at time.Time) {
	t.Helper()
	inserted, err := s.SaveRawEvent(context.Background(), &models.RawEvent{
		EventID: id, EventType: "order_created", Dimensions: dims, OccurredAt: at,
		Payload: map[string]any{"amount": 10.5},
	})
	require.NoError(t, err)
	require.True(t, inserted)
}

func hourlyUpsert(metric models.MetricType, at time.Time, dims models.Dimensions, v float64) MetricUpsert {
	return MetricUpsert{
		MetricType:  metric,
		Granularity: models.GranularityHourly,
		BucketKey:   models.GranularityHourly.BucketKey(at),
		BucketStart: models.GranularityHourly.BucketStart(at),
		Dimensions:  dims,
		Value:       v,
	}
}

// ─── Migrations ───────────────────────────────────────────────────────────────

func TestMigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t).(*sqliteStore)
	require.NoError(t, s.migrate())

	var count int
	require.NoError(t, s.db.Get(&count, `SELECT COUNT(*) FROM schema_versions`))
	assert.Equal(t, len(migrations), count)
	assert.NoError(t, s.Ping(context.Background()))
}

// ─── Metric points ────────────────────────────────────────────────────────────

func TestApplyEventAccumulates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	dims := models.Dimensions{ShopID: "s1"}

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("ev-%d", i)
		saveEvent(t, s, id, dims, at)
		ok, err := s.ApplyEvent(ctx, id, at, []MetricUpsert{hourlyUpsert(models.MetricRevenue, at, dims, 10)})
		require.NoError(t, err)
		assert.True(t, ok)
	}

	pts, err := s.MetricSeries(ctx, MetricQuery{
		MetricType: models.MetricRevenue, Granularity: models.GranularityHourly, Dimensions: dims,
	})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.InDelta(t, 30.0, pts[0].Value, 1e-9)
	assert.Equal(t, int64(3), pts[0].SampleCount)
	assert.Equal(t, "2026-03-01T10", pts[0].BucketKey)
	assert.True(t, pts[0].BucketStart.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)))
}

func TestApplyEventClaimsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Now().UTC()
	saveEvent(t, s, "ev-dup", models.Dimensions{}, at)

	up := []MetricUpsert{hourlyUpsert(models.MetricOrders, at, models.Dimensions{}, 1)}
	ok, err := s.ApplyEvent(ctx, "ev-dup", at, up)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ApplyEvent(ctx, "ev-dup", at, up)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must be a no-op")

	pts, err := s.RecentMetricPoints(ctx, models.MetricOrders, models.GranularityHourly, models.Dimensions{}, time.Time{}, 5)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, 1.0, pts[0].Value)

	ev, err := s.GetRawEvent(ctx, "ev-dup")
	require.NoError(t, err)
	assert.True(t, ev.Processed)
	require.NotNil(t, ev.ProcessedAt)
	assert.Equal(t, 10.5, ev.Payload["amount"])
}

func TestApplyEventConcurrentIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	const n = 25
	for i := 0; i < n; i++ {
		saveEvent(t, s, fmt.Sprintf("c-%d", i), models.Dimensions{}, at)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.ApplyEvent(ctx, fmt.Sprintf("c-%d", i), at,
				[]MetricUpsert{hourlyUpsert(models.MetricOrders, at, models.Dimensions{}, 1)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pts, err := s.RecentMetricPoints(ctx, models.MetricOrders, models.GranularityHourly, models.Dimensions{}, time.Time{}, 1)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, float64(n), pts[0].Value)
	assert.Equal(t, int64(n), pts[0].SampleCount)
}

func TestFileStoreConcurrentIngestOnDistinctKeys(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "analytics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	var mode string
	require.NoError(t, st.(*sqliteStore).db.Get(&mode, `PRAGMA journal_mode`))
	assert.Equal(t, "wal", mode)

	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	shops := []string{"A", "B", "C", "D"}
	const perShop = 10
	for _, shop := range shops {
		for i := 0; i < perShop; i++ {
			saveEvent(t, st, fmt.Sprintf("%s-%d", shop, i), models.Dimensions{ShopID: shop}, at)
		}
	}

	var wg sync.WaitGroup
	for _, shop := range shops {
		for i := 0; i < perShop; i++ {
			wg.Add(1)
			go func(shop string, i int) {
				defer wg.Done()
				dims := models.Dimensions{ShopID: shop}
				_, err := st.ApplyEvent(ctx, fmt.Sprintf("%s-%d", shop, i), at,
					[]MetricUpsert{hourlyUpsert(models.MetricOrders, at, dims, 1)})
				assert.NoError(t, err)
			}(shop, i)
		}
	}
	wg.Wait()

	for _, shop := range shops {
		pts, err := st.RecentMetricPoints(ctx, models.MetricOrders, models.GranularityHourly,
			models.Dimensions{ShopID: shop}, time.Time{}, 1)
		require.NoError(t, err)
		require.Len(t, pts, 1, shop)
		assert.Equal(t, float64(perShop), pts[0].Value, shop)
	}
}

func TestApplyEventRollsBackOnCancel(t *testing.T) {
	s := newTestStore(t)
	at := time.Now().UTC()
	saveEvent(t, s, "ev-cancel", models.Dimensions{}, at)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ApplyEvent(ctx, "ev-cancel", at, []MetricUpsert{hourlyUpsert(models.MetricOrders, at, models.Dimensions{}, 1)})
	require.Error(t, err)

	pending, err := s.ListUnprocessedEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ev-cancel", pending[0].EventID)
}

func TestMetricSeriesExactKeyAndRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	shop := models.Dimensions{ShopID: "s1"}

	for h := 0; h < 6; h++ {
		at := base.Add(time.Duration(h) * time.Hour)
		id := fmt.Sprintf("r-%d", h)
		saveEvent(t, s, id, shop, at)
		_, err := s.ApplyEvent(ctx, id, at, []MetricUpsert{
			hourlyUpsert(models.MetricRevenue, at, shop, float64(h)),
			hourlyUpsert(models.MetricRevenue, at, models.Dimensions{}, float64(h)),
		})
		require.NoError(t, err)
	}

	pts, err := s.MetricSeries(ctx, MetricQuery{
		MetricType: models.MetricRevenue, Granularity: models.GranularityHourly, Dimensions: shop,
		From: base.Add(2 * time.Hour), To: base.Add(5 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, pts, 3)
	for i, p := range pts {
		assert.Equal(t, float64(i+2), p.Value)
		assert.Equal(t, "s1", p.ShopID)
	}

	recent, err := s.RecentMetricPoints(ctx, models.MetricRevenue, models.GranularityHourly, models.Dimensions{}, time.Time{}, 4)
	require.NoError(t, err)
	require.Len(t, recent, 4)
	assert.Equal(t, 2.0, recent[0].Value)
	assert.Equal(t, 5.0, recent[3].Value)

	bounded, err := s.RecentMetricPoints(ctx, models.MetricRevenue, models.GranularityHourly, models.Dimensions{}, base.Add(3*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, bounded, 2)
	assert.Equal(t, 2.0, bounded[0].Value)
	assert.Equal(t, 3.0, bounded[1].Value)

	pruned, err := s.PruneMetricPoints(ctx, models.GranularityHourly, base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(6), pruned)
}

// ─── Forecasts ────────────────────────────────────────────────────────────────

func TestLatestForecastRunWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	today := time.Now().UTC().Truncate(24 * time.Hour)

	run := func(runID string, created time.Time, value float64) []models.ForecastPoint {
		var pts []models.ForecastPoint
		for d := 1; d <= 3; d++ {
			pts = append(pts, models.ForecastPoint{
				ForecastID: fmt.Sprintf("%s-%d", runID, d), RunID: runID, MetricType: models.MetricRevenue,
				ForecastDate: today.AddDate(0, 0, d), PredictedValue: value, ConfidenceLevel: 0.95,
				ModelName: "linear_regression", ModelVersion: "1.0", CreatedAt: created,
			})
		}
		return pts
	}
	require.NoError(t, s.SaveForecastRun(ctx, run("old", time.Now().Add(-time.Hour), 1)))
	require.NoError(t, s.SaveForecastRun(ctx, run("new", time.Now(), 2)))

	got, err := s.LatestForecast(ctx, models.MetricRevenue, models.Dimensions{}, today)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, p := range got {
		assert.Equal(t, "new", p.RunID)
		assert.Equal(t, 2.0, p.PredictedValue)
	}

	none, err := s.LatestForecast(ctx, models.MetricOrders, models.Dimensions{}, today)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSaveForecastRunCancelledLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.SaveForecastRun(ctx, []models.ForecastPoint{{
		ForecastID: "f1", RunID: "r1", MetricType: models.MetricOrders,
		ForecastDate: time.Now().Add(24 * time.Hour), CreatedAt: time.Now(),
	}})
	require.Error(t, err)

	got, err := s.LatestForecast(context.Background(), models.MetricOrders, models.Dimensions{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

// ─── Anomalies ────────────────────────────────────────────────────────────────

func TestAnomalyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	dims := models.Dimensions{ShopID: "s1"}
	now := time.Now().UTC()

	for i, sev := range []models.Severity{models.SeverityMedium, models.SeverityCritical} {
		require.NoError(t, s.SaveAnomaly(ctx, &models.AnomalyRecord{
			DetectionID: fmt.Sprintf("a-%d", i), MetricType: models.MetricRevenue, BucketKey: "2026-03-01T10",
			Timestamp: now.Add(time.Duration(i) * time.Second), Severity: sev, Algorithm: "mad", Dimensions: dims,
		}))
	}

	worst, err := s.BucketAnomaly(ctx, models.MetricRevenue, dims, "2026-03-01T10")
	require.NoError(t, err)
	require.NotNil(t, worst)
	assert.Equal(t, models.SeverityCritical, worst.Severity)

	missing, err := s.BucketAnomaly(ctx, models.MetricRevenue, models.Dimensions{}, "2026-03-01T10")
	require.NoError(t, err)
	assert.Nil(t, missing)

	list, err := s.ListAnomalies(ctx, AnomalyQuery{ShopID: "s1", Since: now.Add(-time.Hour), Limit: 10})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a-1", list[0].DetectionID, "newest first")

	first, err := s.AcknowledgeAnomaly(ctx, "a-0", "alice", now)
	require.NoError(t, err)
	assert.True(t, first.Acknowledged)
	assert.Equal(t, "alice", first.AcknowledgedBy)

	second, err := s.AcknowledgeAnomaly(ctx, "a-0", "bob", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "alice", second.AcknowledgedBy)
	require.NotNil(t, second.AcknowledgedAt)
	assert.True(t, second.AcknowledgedAt.Equal(*first.AcknowledgedAt))

	_, err = s.AcknowledgeAnomaly(ctx, "nope", "alice", now)
	assert.True(t, models.IsNotFound(err))

	unacked := false
	open, err := s.ListAnomalies(ctx, AnomalyQuery{Acknowledged: &unacked})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "a-1", open[0].DetectionID)
}

// ─── Audit ────────────────────────────────────────────────────────────────────

func TestAuditEntriesAppendAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	entries := []models.AuditEntry{
		{LogID: "l1", Timestamp: now, ActorID: "u1", ActorRole: "admin", Action: "get_chart_data", Outcome: models.OutcomeSuccess,
			Filters: map[string]string{"metric_type": "revenue"}},
		{LogID: "l2", Timestamp: now, ActorID: "u2", ActorRole: "shop_owner", Action: "get_chart_data", Outcome: models.OutcomeUnauthorized},
		{LogID: "l3", Timestamp: now, ActorID: "u1", ActorRole: "admin", Action: "get_forecast", Outcome: models.OutcomeFailed, ErrorMessage: "boom"},
	}
	for i := range entries {
		require.NoError(t, s.AppendAuditEntry(ctx, &entries[i]))
	}

	all, err := s.QueryAuditEntries(ctx, AuditQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "l3", all[0].LogID)

	byActor, err := s.QueryAuditEntries(ctx, AuditQuery{ActorID: "u1", Action: "get_chart_data"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "revenue", byActor[0].Filters["metric_type"])

	denied, err := s.QueryAuditEntries(ctx, AuditQuery{Outcome: models.OutcomeUnauthorized})
	require.NoError(t, err)
	require.Len(t, denied, 1)
	assert.Equal(t, "u2", denied[0].ActorID)
}
