package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

type forecastRow struct {
	ForecastID      string  `db:"forecast_id"`
	RunID           string  `db:"run_id"`
	MetricType      string  `db:"metric_type"`
	ForecastDate    string  `db:"forecast_date"`
	PredictedValue  float64 `db:"predicted_value"`
	ConfidenceLower float64 `db:"confidence_lower"`
	ConfidenceUpper float64 `db:"confidence_upper"`
	ConfidenceLevel float64 `db:"confidence_level"`
	ModelName       string  `db:"model_name"`
	ModelVersion    string  `db:"model_version"`
	ShopID          string  `db:"shop_id"`
	CategoryID      string  `db:"category_id"`
	Region          string  `db:"region"`
	Role            string  `db:"role"`
	CreatedAt       string  `db:"created_at"`
}

func (r forecastRow) point() models.ForecastPoint {
	return models.ForecastPoint{
		ForecastID:      r.ForecastID,
		RunID:           r.RunID,
		MetricType:      models.MetricType(r.MetricType),
		ForecastDate:    mustParseTime(r.ForecastDate),
		PredictedValue:  r.PredictedValue,
		ConfidenceLower: r.ConfidenceLower,
		ConfidenceUpper: r.ConfidenceUpper,
		ConfidenceLevel: r.ConfidenceLevel,
		ModelName:       r.ModelName,
		ModelVersion:    r.ModelVersion,
		Dimensions: models.Dimensions{
			ShopID: r.ShopID, CategoryID: r.CategoryID, Region: r.Region, Role: r.Role,
		},
		CreatedAt: mustParseTime(r.CreatedAt),
	}
}

func (s *sqliteStore) SaveForecastRun(ctx context.Context, points []models.ForecastPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin forecast run: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		// Honour cancellation between rows so an aborted run leaves nothing behind.
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
            INSERT INTO forecast_points(forecast_id, run_id, metric_type, forecast_date, predicted_value,
                confidence_lower, confidence_upper, confidence_level, model_name, model_version,
                shop_id, category_id, region, role, created_at)
            VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        `,
			p.ForecastID, p.RunID, string(p.MetricType), formatTime(p.ForecastDate), p.PredictedValue,
			p.ConfidenceLower, p.ConfidenceUpper, p.ConfidenceLevel, p.ModelName, p.ModelVersion,
			p.Dimensions.ShopID, p.Dimensions.CategoryID, p.Dimensions.Region, p.Dimensions.Role,
			formatTime(p.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert forecast point: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LatestForecast(ctx context.Context, metricType models.MetricType, dims models.Dimensions, from time.Time) ([]models.ForecastPoint, error) {
	args := append([]any{string(metricType)}, dimsArgs(dims)...)

	var runID string
	err := s.db.GetContext(ctx, &runID,
		`SELECT run_id FROM forecast_points WHERE metric_type = ?`+dimsClause+` ORDER BY created_at DESC, id DESC LIMIT 1`,
		args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find latest forecast run: %w", err)
	}

	var rows []forecastRow
	err = s.db.SelectContext(ctx, &rows, `
        SELECT forecast_id, run_id, metric_type, forecast_date, predicted_value, confidence_lower, confidence_upper,
               confidence_level, model_name, model_version, shop_id, category_id, region, role, created_at
        FROM forecast_points WHERE run_id = ? AND forecast_date >= ? ORDER BY forecast_date ASC
    `, runID, formatTime(from))
	if err != nil {
		return nil, fmt.Errorf("query forecast run %s: %w", runID, err)
	}
	out := make([]models.ForecastPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.point())
	}
	return out, nil
}
