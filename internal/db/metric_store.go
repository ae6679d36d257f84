package db

import (
	"context"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

type metricRow struct {
	ID          int64   `db:"id"`
	MetricType  string  `db:"metric_type"`
	Granularity string  `db:"granularity"`
	BucketKey   string  `db:"bucket_key"`
	BucketStart string  `db:"bucket_start"`
	ShopID      string  `db:"shop_id"`
	CategoryID  string  `db:"category_id"`
	Region      string  `db:"region"`
	Role        string  `db:"role"`
	Value       float64 `db:"value"`
	SampleCount int64   `db:"sample_count"`
	UpdatedAt   string  `db:"updated_at"`
}

func (r metricRow) point() models.MetricPoint {
	return models.MetricPoint{
		ID:          r.ID,
		MetricType:  models.MetricType(r.MetricType),
		Granularity: models.Granularity(r.Granularity),
		BucketKey:   r.BucketKey,
		BucketStart: mustParseTime(r.BucketStart),
		Dimensions: models.Dimensions{
			ShopID: r.ShopID, CategoryID: r.CategoryID, Region: r.Region, Role: r.Role,
		},
		Value:       r.Value,
		SampleCount: r.SampleCount,
		UpdatedAt:   mustParseTime(r.UpdatedAt),
	}
}

const metricColumns = `id, metric_type, granularity, bucket_key, bucket_start, shop_id, category_id, region, role, value, sample_count, updated_at`

func dimsArgs(d models.Dimensions) []any {
	return []any{d.ShopID, d.CategoryID, d.Region, d.Role}
}

func (s *sqliteStore) ApplyEvent(ctx context.Context, eventID string, processedAt time.Time, upserts []MetricUpsert) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin ingest: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE raw_events SET processed = 1, processed_at = ? WHERE event_id = ? AND processed = 0`,
		formatTime(processedAt), eventID)
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	if claimed == 0 {
		return false, nil
	}

	now := formatTime(processedAt)
	for _, u := range upserts {
		res, err := tx.ExecContext(ctx, `
            INSERT INTO metric_points(metric_type, granularity, bucket_key, bucket_start, shop_id, category_id, region, role, value, sample_count, updated_at)
            VALUES(?,?,?,?,?,?,?,?,?,1,?)
            ON CONFLICT(metric_type, granularity, bucket_key, shop_id, category_id, region, role) DO UPDATE SET
                value        = value + excluded.value,
                sample_count = sample_count + 1,
                updated_at   = excluded.updated_at
        `,
			string(u.MetricType), string(u.Granularity), u.BucketKey, formatTime(u.BucketStart),
			u.Dimensions.ShopID, u.Dimensions.CategoryID, u.Dimensions.Region, u.Dimensions.Role,
			u.Value, now,
		)
		if err != nil {
			return false, fmt.Errorf("upsert %s/%s/%s: %w", u.MetricType, u.Granularity, u.BucketKey, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("upsert rows affected: %w", err)
		}
		if n != 1 {
			return false, &models.StoreConsistencyError{
				Op:  "upsert " + string(u.MetricType) + " " + u.BucketKey,
				Err: fmt.Errorf("expected 1 row affected, got %d", n),
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit ingest: %w", err)
	}
	return true, nil
}

func (s *sqliteStore) MetricSeries(ctx context.Context, q MetricQuery) ([]models.MetricPoint, error) {
	query := `SELECT ` + metricColumns + ` FROM metric_points WHERE metric_type = ? AND granularity = ?` + dimsClause
	args := append([]any{string(q.MetricType), string(q.Granularity)}, dimsArgs(q.Dimensions)...)

	if !q.From.IsZero() {
		query += ` AND bucket_start >= ?`
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND bucket_start < ?`
		args = append(args, formatTime(q.To))
	}
	query += ` ORDER BY bucket_start ASC`

	var rows []metricRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query metric series: %w", err)
	}
	out := make([]models.MetricPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.point())
	}
	return out, nil
}

func (s *sqliteStore) RecentMetricPoints(ctx context.Context, metricType models.MetricType, granularity models.Granularity, dims models.Dimensions, through time.Time, n int) ([]models.MetricPoint, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `SELECT ` + metricColumns + ` FROM metric_points WHERE metric_type = ? AND granularity = ?` + dimsClause
	args := append([]any{string(metricType), string(granularity)}, dimsArgs(dims)...)
	if !through.IsZero() {
		query += ` AND bucket_start <= ?`
		args = append(args, formatTime(through))
	}
	query += ` ORDER BY bucket_start DESC LIMIT ?`
	args = append(args, n)

	var rows []metricRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query recent metric points: %w", err)
	}
	out := make([]models.MetricPoint, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.point()
	}
	return out, nil
}

func (s *sqliteStore) PruneMetricPoints(ctx context.Context, granularity models.Granularity, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM metric_points WHERE granularity = ? AND bucket_start < ?`,
		string(granularity), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune metric points: %w", err)
	}
	return res.RowsAffected()
}
