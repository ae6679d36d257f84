package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

type auditRow struct {
	LogID        string `db:"log_id"`
	Timestamp    string `db:"timestamp"`
	ActorID      string `db:"actor_id"`
	ActorRole    string `db:"actor_role"`
	Action       string `db:"action"`
	Resource     string `db:"resource"`
	Filters      string `db:"filters"`
	Outcome      string `db:"outcome"`
	ErrorMessage string `db:"error_message"`
	RequestID    string `db:"request_id"`
}

func (r auditRow) entry() *models.AuditEntry {
	e := &models.AuditEntry{
		LogID:        r.LogID,
		Timestamp:    mustParseTime(r.Timestamp),
		ActorID:      r.ActorID,
		ActorRole:    r.ActorRole,
		Action:       r.Action,
		Resource:     r.Resource,
		Outcome:      models.Outcome(r.Outcome),
		ErrorMessage: r.ErrorMessage,
		RequestID:    r.RequestID,
	}
	if r.Filters != "" && r.Filters != "{}" {
		_ = json.Unmarshal([]byte(r.Filters), &e.Filters)
	}
	return e
}

func (s *sqliteStore) AppendAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_entries(log_id, timestamp, actor_id, actor_role, action, resource, filters, outcome, error_message, request_id)
        VALUES(?,?,?,?,?,?,?,?,?,?)
    `,
		e.LogID, formatTime(e.Timestamp), e.ActorID, e.ActorRole, e.Action, e.Resource,
		encodeJSON(e.Filters), string(e.Outcome), e.ErrorMessage, e.RequestID,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *sqliteStore) QueryAuditEntries(ctx context.Context, q AuditQuery) ([]*models.AuditEntry, error) {
	query := `SELECT log_id, timestamp, actor_id, actor_role, action, resource, filters, outcome, error_message, request_id
              FROM audit_entries WHERE 1=1`
	args := []any{}

	if q.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, q.ActorID)
	}
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if q.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(q.Outcome))
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, formatTime(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, formatTime(q.To))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY seq DESC LIMIT ? OFFSET ?`
	args = append(args, limit, q.Offset)

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	out := make([]*models.AuditEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}
