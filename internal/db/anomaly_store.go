package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

type anomalyRow struct {
	DetectionID    string  `db:"detection_id"`
	MetricType     string  `db:"metric_type"`
	BucketKey      string  `db:"bucket_key"`
	Timestamp      string  `db:"timestamp"`
	ActualValue    float64 `db:"actual_value"`
	ExpectedValue  float64 `db:"expected_value"`
	AnomalyScore   float64 `db:"anomaly_score"`
	Severity       string  `db:"severity"`
	Algorithm      string  `db:"algorithm"`
	Threshold      float64 `db:"threshold"`
	ShopID         string  `db:"shop_id"`
	CategoryID     string  `db:"category_id"`
	Region         string  `db:"region"`
	Role           string  `db:"role"`
	Acknowledged   bool    `db:"acknowledged"`
	AcknowledgedBy string  `db:"acknowledged_by"`
	AcknowledgedAt string  `db:"acknowledged_at"`
}

func (r anomalyRow) record() *models.AnomalyRecord {
	rec := &models.AnomalyRecord{
		DetectionID:   r.DetectionID,
		MetricType:    models.MetricType(r.MetricType),
		BucketKey:     r.BucketKey,
		Timestamp:     mustParseTime(r.Timestamp),
		ActualValue:   r.ActualValue,
		ExpectedValue: r.ExpectedValue,
		AnomalyScore:  r.AnomalyScore,
		Severity:      models.Severity(r.Severity),
		Algorithm:     r.Algorithm,
		Threshold:     r.Threshold,
		Dimensions: models.Dimensions{
			ShopID: r.ShopID, CategoryID: r.CategoryID, Region: r.Region, Role: r.Role,
		},
		Acknowledged:   r.Acknowledged,
		AcknowledgedBy: r.AcknowledgedBy,
	}
	if r.AcknowledgedAt != "" {
		t := mustParseTime(r.AcknowledgedAt)
		rec.AcknowledgedAt = &t
	}
	return rec
}

const anomalyColumns = `detection_id, metric_type, bucket_key, timestamp, actual_value, expected_value, anomaly_score,
    severity, algorithm, threshold, shop_id, category_id, region, role, acknowledged, acknowledged_by, acknowledged_at`

func (s *sqliteStore) SaveAnomaly(ctx context.Context, rec *models.AnomalyRecord) error {
	var ackAt string
	if rec.AcknowledgedAt != nil {
		ackAt = formatTime(*rec.AcknowledgedAt)
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO anomaly_records(detection_id, metric_type, bucket_key, timestamp, actual_value, expected_value,
            anomaly_score, severity, severity_rank, algorithm, threshold, shop_id, category_id, region, role,
            acknowledged, acknowledged_by, acknowledged_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		rec.DetectionID, string(rec.MetricType), rec.BucketKey, formatTime(rec.Timestamp),
		rec.ActualValue, rec.ExpectedValue, rec.AnomalyScore, string(rec.Severity), rec.Severity.Rank(),
		rec.Algorithm, rec.Threshold,
		rec.Dimensions.ShopID, rec.Dimensions.CategoryID, rec.Dimensions.Region, rec.Dimensions.Role,
		rec.Acknowledged, rec.AcknowledgedBy, ackAt,
	)
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

func (s *sqliteStore) BucketAnomaly(ctx context.Context, metricType models.MetricType, dims models.Dimensions, bucketKey string) (*models.AnomalyRecord, error) {
	args := append([]any{string(metricType), bucketKey}, dimsArgs(dims)...)
	var row anomalyRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+anomalyColumns+` FROM anomaly_records WHERE metric_type = ? AND bucket_key = ?`+dimsClause+
			` ORDER BY severity_rank DESC, timestamp DESC LIMIT 1`, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query bucket anomaly: %w", err)
	}
	return row.record(), nil
}

func (s *sqliteStore) GetAnomaly(ctx context.Context, detectionID string) (*models.AnomalyRecord, error) {
	var row anomalyRow
	err := s.db.GetContext(ctx, &row, `SELECT `+anomalyColumns+` FROM anomaly_records WHERE detection_id = ?`, detectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "anomaly", ID: detectionID}
	}
	if err != nil {
		return nil, fmt.Errorf("get anomaly: %w", err)
	}
	return row.record(), nil
}

func (s *sqliteStore) ListAnomalies(ctx context.Context, q AnomalyQuery) ([]*models.AnomalyRecord, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomaly_records WHERE 1=1`
	args := []any{}

	if q.MetricType != "" {
		query += ` AND metric_type = ?`
		args = append(args, string(q.MetricType))
	}
	if q.Exact != nil {
		query += dimsClause
		args = append(args, dimsArgs(*q.Exact)...)
	} else if q.ShopID != "" {
		query += ` AND shop_id = ?`
		args = append(args, q.ShopID)
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(q.Severity))
	}
	if q.Acknowledged != nil {
		query += ` AND acknowledged = ?`
		args = append(args, *q.Acknowledged)
	}
	if !q.Since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(q.Since))
	}
	query += ` ORDER BY timestamp DESC`
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	var rows []anomalyRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	out := make([]*models.AnomalyRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (s *sqliteStore) AcknowledgeAnomaly(ctx context.Context, detectionID, by string, at time.Time) (*models.AnomalyRecord, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE anomaly_records SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
         WHERE detection_id = ? AND acknowledged = 0`,
		by, formatTime(at), detectionID)
	if err != nil {
		return nil, fmt.Errorf("acknowledge anomaly: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return nil, err
	}
	return s.GetAnomaly(ctx, detectionID)
}
