// Package rest exposes the analytics engine over HTTP.
//
// Endpoint groups:
//   - Events: POST /api/v1/analytics/events
//   - Charts: GET /api/v1/analytics/charts/{metric_type}
//   - Forecasts: GET /api/v1/analytics/forecasts/{metric_type}
//   - Anomalies: GET /api/v1/analytics/anomalies, POST /api/v1/analytics/anomalies/{id}/acknowledge
//   - Audit: GET /api/v1/analytics/audit-logs
//   - Connections: GET /api/v1/analytics/ws/stats
//
// Handlers are stateless. Authorization and auditing happen in the query
// engine; handlers only translate HTTP to engine calls.
package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/analytics/ingest"
	"github.com/kubilitics/kubilitics-analytics/internal/analytics/query"
	"github.com/kubilitics/kubilitics-analytics/internal/api/middleware"
	"github.com/kubilitics/kubilitics-analytics/internal/broker"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

const maxEventBody = 1 << 20

// QueryService is the audited read surface.
type QueryService interface {
	GetChartData(ctx context.Context, req query.ChartRequest, actor models.Actor) (*query.ChartResponse, error)
	GetForecast(ctx context.Context, req query.ForecastRequest, actor models.Actor) ([]models.ForecastPoint, error)
	ListAnomalies(ctx context.Context, f query.AnomalyFilter, actor models.Actor) ([]*models.AnomalyRecord, error)
	AcknowledgeAnomaly(ctx context.Context, detectionID string, actor models.Actor) (*models.AnomalyRecord, error)
	ListAuditLogs(ctx context.Context, f query.AuditFilter, actor models.Actor) ([]*models.AuditEntry, error)
	ConnectionStats(ctx context.Context, actor models.Actor) (broker.Stats, error)
}

// EventSink accepts events for ingestion.
type EventSink interface {
	Submit(ev models.RawEvent) bool
	Process(ctx context.Context, ev models.RawEvent) (*ingest.IngestResult, error)
	PublishAcknowledgement(ctx context.Context, rec *models.AnomalyRecord)
}

// Handler serves the analytics REST API.
type Handler struct {
	engine QueryService
	events EventSink
	log    *zap.Logger
}

// NewHandler creates a handler.
func NewHandler(engine QueryService, events EventSink, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{engine: engine, events: events, log: log}
}

func actorOf(r *http.Request) models.Actor {
	a, _ := middleware.ActorFromContext(r.Context())
	return a
}

// SubmitEvent handles POST /events. Events are validated synchronously and
// ingested asynchronously (202) unless ?sync=true is given.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.RawEvent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBody))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid JSON body")
		return
	}
	actor := actorOf(r)
	if !actor.HasAnalyticsAccess() {
		respondError(w, r, http.StatusForbidden, ErrCodeForbidden, "role may not submit events")
		return
	}
	if actor.ShopScoped() {
		if ev.Dimensions.ShopID != "" && ev.Dimensions.ShopID != actor.BoundShopID {
			respondError(w, r, http.StatusForbidden, ErrCodeForbidden, "shop owners may only submit events for their shop")
			return
		}
		ev.Dimensions.ShopID = actor.BoundShopID
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if err := ingest.Validate(&ev); err != nil {
		respondEngineError(w, r, err)
		return
	}
	if _, err := ingest.Deltas(&ev); err != nil {
		respondEngineError(w, r, err)
		return
	}

	if r.URL.Query().Get("sync") == "true" {
		res, err := h.events.Process(r.Context(), ev)
		if err != nil {
			h.log.Error("event ingest failed", zap.String("event_id", ev.EventID), zap.Error(err))
			respondEngineError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
		return
	}
	if !h.events.Submit(ev) {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeQueueFull, "ingest queue is full, retry later")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"event_id": ev.EventID, "status": "accepted"})
}

// GetChartData handles GET /charts/{metric_type}.
func (h *Handler) GetChartData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := query.ChartRequest{
		MetricType:  models.MetricType(chi.URLParam(r, "metric_type")),
		TimeRange:   q.Get("time_range"),
		Granularity: models.Granularity(q.Get("granularity")),
		Dimensions:  dimensionsFrom(r),
	}
	resp, err := h.engine.GetChartData(r.Context(), req, actorOf(r))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// GetForecast handles GET /forecasts/{metric_type}?days=N.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	days := 7
	if s := r.URL.Query().Get("days"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			respondEngineError(w, r, models.NewValidationError("days", "must be an integer"))
			return
		}
		days = n
	}
	mt := models.MetricType(chi.URLParam(r, "metric_type"))
	points, err := h.engine.GetForecast(r.Context(), query.ForecastRequest{
		MetricType: mt,
		Days:       days,
		Dimensions: dimensionsFrom(r),
	}, actorOf(r))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"metric_type": mt,
		"days":        days,
		"forecast":    points,
	})
}

// ListAnomalies handles GET /anomalies.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := query.AnomalyFilter{
		MetricType: models.MetricType(q.Get("metric_type")),
		ShopID:     q.Get("shop_id"),
		Severity:   models.Severity(q.Get("severity")),
	}
	if s := q.Get("acknowledged"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			respondEngineError(w, r, models.NewValidationError("acknowledged", "must be a boolean"))
			return
		}
		f.Acknowledged = &b
	}
	var err error
	if f.Since, err = timeParam(r, "since"); err != nil {
		respondEngineError(w, r, err)
		return
	}
	if f.Limit, err = intParam(r, "limit"); err != nil {
		respondEngineError(w, r, err)
		return
	}
	out, err := h.engine.ListAnomalies(r.Context(), f, actorOf(r))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"anomalies": out, "count": len(out)})
}

// AcknowledgeAnomaly handles POST /anomalies/{id}/acknowledge.
func (h *Handler) AcknowledgeAnomaly(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.AcknowledgeAnomaly(r.Context(), chi.URLParam(r, "id"), actorOf(r))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	h.events.PublishAcknowledgement(r.Context(), rec)
	respondJSON(w, http.StatusOK, rec)
}

// ListAuditLogs handles GET /audit-logs.
func (h *Handler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := query.AuditFilter{
		ActorID: q.Get("actor_id"),
		Action:  q.Get("action"),
		Outcome: models.Outcome(q.Get("outcome")),
	}
	var err error
	if f.From, err = timeParam(r, "from"); err != nil {
		respondEngineError(w, r, err)
		return
	}
	if f.To, err = timeParam(r, "to"); err != nil {
		respondEngineError(w, r, err)
		return
	}
	if f.Limit, err = intParam(r, "limit"); err != nil {
		respondEngineError(w, r, err)
		return
	}
	if f.Offset, err = intParam(r, "offset"); err != nil {
		respondEngineError(w, r, err)
		return
	}
	out, err := h.engine.ListAuditLogs(r.Context(), f, actorOf(r))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"logs": out, "count": len(out)})
}

// ConnectionStats handles GET /ws/stats.
func (h *Handler) ConnectionStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.ConnectionStats(r.Context(), actorOf(r))
	if err != nil {
		respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func dimensionsFrom(r *http.Request) models.Dimensions {
	q := r.URL.Query()
	return models.Dimensions{
		ShopID:     q.Get("shop_id"),
		CategoryID: q.Get("category_id"),
		Region:     q.Get("region"),
		Role:       q.Get("role"),
	}
}

func timeParam(r *http.Request, name string) (time.Time, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, models.NewValidationError(name, "must be an RFC3339 timestamp")
	}
	return t, nil
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, models.NewValidationError(name, "must be a non-negative integer")
	}
	return n, nil
}
