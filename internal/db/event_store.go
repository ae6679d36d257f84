package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

type rawEventRow struct {
	EventID     string `db:"event_id"`
	EventType   string `db:"event_type"`
	EntityType  string `db:"entity_type"`
	EntityID    string `db:"entity_id"`
	Payload     string `db:"payload"`
	ShopID      string `db:"shop_id"`
	CategoryID  string `db:"category_id"`
	Region      string `db:"region"`
	Role        string `db:"role"`
	OccurredAt  string `db:"occurred_at"`
	Processed   bool   `db:"processed"`
	ProcessedAt string `db:"processed_at"`
}

func (r rawEventRow) event() *models.RawEvent {
	ev := &models.RawEvent{
		EventID:    r.EventID,
		EventType:  r.EventType,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Dimensions: models.Dimensions{
			ShopID: r.ShopID, CategoryID: r.CategoryID, Region: r.Region, Role: r.Role,
		},
		OccurredAt: mustParseTime(r.OccurredAt),
		Processed:  r.Processed,
	}
	if r.Payload != "" {
		_ = json.Unmarshal([]byte(r.Payload), &ev.Payload)
	}
	if r.ProcessedAt != "" {
		t := mustParseTime(r.ProcessedAt)
		ev.ProcessedAt = &t
	}
	return ev
}

const rawEventColumns = `event_id, event_type, entity_type, entity_id, payload, shop_id, category_id, region, role, occurred_at, processed, processed_at`

func (s *sqliteStore) SaveRawEvent(ctx context.Context, ev *models.RawEvent) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO raw_events(event_id, event_type, entity_type, entity_id, payload, shop_id, category_id, region, role, occurred_at, received_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(event_id) DO NOTHING
    `,
		ev.EventID, ev.EventType, ev.EntityType, ev.EntityID, encodeJSON(ev.Payload),
		ev.Dimensions.ShopID, ev.Dimensions.CategoryID, ev.Dimensions.Region, ev.Dimensions.Role,
		formatTime(ev.OccurredAt), formatTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("insert raw event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) GetRawEvent(ctx context.Context, eventID string) (*models.RawEvent, error) {
	var row rawEventRow
	err := s.db.GetContext(ctx, &row, `SELECT `+rawEventColumns+` FROM raw_events WHERE event_id = ?`, eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &models.NotFoundError{Resource: "event", ID: eventID}
	}
	if err != nil {
		return nil, fmt.Errorf("get raw event: %w", err)
	}
	return row.event(), nil
}

func (s *sqliteStore) ListUnprocessedEvents(ctx context.Context, limit int) ([]*models.RawEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []rawEventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+rawEventColumns+` FROM raw_events WHERE processed = 0 ORDER BY occurred_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed events: %w", err)
	}
	out := make([]*models.RawEvent, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.event())
	}
	return out, nil
}
