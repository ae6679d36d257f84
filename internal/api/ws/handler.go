// Package ws is the WebSocket transport for live dashboards.
//
// Connection lifecycle:
//   - Upgrade at /ws/analytics; the connection is registered with the broker
//     in the connecting state.
//   - Authenticate with ?token= on the upgrade URL or a first frame
//     {"type":"auth","token":"..."}. Success sends connection_established
//     followed by initial_data.
//   - Then subscribe, unsubscribe, acknowledge_anomaly, get_chart_data,
//     get_forecasts, ping and pong frames are accepted.
//
// Every inbound frame counts as activity for the broker's idle sweep.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/analytics/query"
	"github.com/kubilitics/kubilitics-analytics/internal/api/middleware"
	"github.com/kubilitics/kubilitics-analytics/internal/audit"
	"github.com/kubilitics/kubilitics-analytics/internal/broker"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// Inbound frame types.
const (
	FrameAuth               = "auth"
	FrameSubscribe          = "subscribe"
	FrameUnsubscribe        = "unsubscribe"
	FrameAcknowledgeAnomaly = "acknowledge_anomaly"
	FrameGetChartData       = "get_chart_data"
	FrameGetForecasts       = "get_forecasts"
	FramePing               = "ping"
	FramePong               = "pong"
)

const requestTimeout = 15 * time.Second

// Registry is the broker surface the transport drives.
type Registry interface {
	Register(sender broker.Sender) string
	Authenticate(connID string, actor models.Actor) error
	Subscribe(connID string, topic models.Topic, filters broker.ScopeFilters) (broker.ScopeFilters, error)
	Unsubscribe(connID string, topic models.Topic) error
	Touch(connID string)
	Actor(connID string) (models.Actor, error)
	Receives(connID string, topic models.Topic, scope models.Scope) bool
	Subscriptions(connID string) []broker.Subscription
	Send(ctx context.Context, connID string, msg models.Message) error
	Disconnect(connID string, code int, reason string)
}

// TokenValidator turns a bearer token into an actor.
type TokenValidator interface {
	Validate(token string) (models.Actor, error)
}

// QueryService answers the request frames.
type QueryService interface {
	GetChartData(ctx context.Context, req query.ChartRequest, actor models.Actor) (*query.ChartResponse, error)
	GetForecast(ctx context.Context, req query.ForecastRequest, actor models.Actor) ([]models.ForecastPoint, error)
	ListAnomalies(ctx context.Context, f query.AnomalyFilter, actor models.Actor) ([]*models.AnomalyRecord, error)
	AcknowledgeAnomaly(ctx context.Context, detectionID string, actor models.Actor) (*models.AnomalyRecord, error)
}

// Publisher fans acknowledgements out to anomaly subscribers.
type Publisher interface {
	PublishAcknowledgement(ctx context.Context, rec *models.AnomalyRecord)
}

// Config tunes the transport.
type Config struct {
	AllowedOrigins []string
	SendBuffer     int
}

// Handler upgrades HTTP requests and runs the per-connection protocol.
type Handler struct {
	registry  Registry
	auth      TokenValidator
	engine    QueryService
	publisher Publisher
	upgrader  websocket.Upgrader
	cfg       Config
	log       *zap.Logger
}

// NewHandler creates a WebSocket handler. publisher may be nil.
func NewHandler(registry Registry, auth TokenValidator, engine QueryService, publisher Publisher, cfg Config, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{
		registry:  registry,
		auth:      auth,
		engine:    engine,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range h.cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// inbound is the union of every client frame.
type inbound struct {
	Type        string              `json:"type"`
	RequestID   string              `json:"request_id,omitempty"`
	Token       string              `json:"token,omitempty"`
	Topic       models.Topic        `json:"topic,omitempty"`
	Filters     broker.ScopeFilters `json:"filters"`
	DetectionID string              `json:"detection_id,omitempty"`
	MetricType  models.MetricType   `json:"metric_type,omitempty"`
	TimeRange   string              `json:"time_range,omitempty"`
	Granularity models.Granularity  `json:"granularity,omitempty"`
	Dimensions  models.Dimensions   `json:"dimensions"`
	Days        int                 `json:"days,omitempty"`
}

// ServeHTTP handles GET /ws/analytics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, h.cfg.SendBuffer, h.log)
	id := h.registry.Register(client)
	go client.writePump()

	log := h.log.With(zap.String("connection_id", id))
	log.Debug("websocket connected", zap.String("remote", r.RemoteAddr))

	if token := middleware.BearerToken(r); token != "" {
		h.authenticate(id, token)
	}

	client.readPump(func(data []byte) { h.dispatch(id, data) })
	h.registry.Disconnect(id, broker.CloseNormal, "client disconnected")
	log.Debug("websocket disconnected")
}

func (h *Handler) dispatch(id string, data []byte) {
	h.registry.Touch(id)

	var f inbound
	if err := json.Unmarshal(data, &f); err != nil {
		h.sendError(id, "", "invalid frame: "+err.Error())
		return
	}
	reqID := f.RequestID
	if reqID == "" {
		reqID = uuid.NewString()
	}
	ctx, cancel := context.WithTimeout(audit.WithRequestID(context.Background(), reqID), requestTimeout)
	defer cancel()

	switch f.Type {
	case FrameAuth:
		h.authenticate(id, f.Token)
		return
	case FramePing:
		h.reply(ctx, id, models.NewMessage(models.MsgPong, "", map[string]any{"request_id": f.RequestID}))
		return
	case FramePong:
		return
	}

	actor, err := h.registry.Actor(id)
	if err != nil {
		h.sendError(id, f.RequestID, "authenticate first")
		return
	}

	switch f.Type {
	case FrameSubscribe:
		filters, err := h.registry.Subscribe(id, f.Topic, f.Filters)
		if err != nil {
			h.sendError(id, f.RequestID, err.Error())
			return
		}
		h.reply(ctx, id, models.NewMessage(models.MsgSubscriptionConfirmed, f.Topic, map[string]any{
			"topic":   f.Topic,
			"filters": filters,
			"topics":  h.topics(id),
		}))

	case FrameUnsubscribe:
		if err := h.registry.Unsubscribe(id, f.Topic); err != nil {
			h.sendError(id, f.RequestID, err.Error())
			return
		}
		h.reply(ctx, id, models.NewMessage(models.MsgUnsubscribed, f.Topic, map[string]any{"topic": f.Topic}))

	case FrameAcknowledgeAnomaly:
		rec, err := h.engine.AcknowledgeAnomaly(ctx, f.DetectionID, actor)
		if err != nil {
			h.sendError(id, f.RequestID, publicError(err))
			return
		}
		if h.publisher != nil {
			h.publisher.PublishAcknowledgement(ctx, rec)
		}
		if h.publisher == nil || !h.registry.Receives(id, models.TopicAnomalies, models.Scope{ShopID: rec.Dimensions.ShopID}) {
			h.reply(ctx, id, models.NewMessage(models.MsgAnomalyAcknowledged, models.TopicAnomalies, rec))
		}

	case FrameGetChartData:
		resp, err := h.engine.GetChartData(ctx, query.ChartRequest{
			MetricType:  f.MetricType,
			TimeRange:   f.TimeRange,
			Granularity: f.Granularity,
			Dimensions:  f.Dimensions,
		}, actor)
		if err != nil {
			h.sendError(id, f.RequestID, publicError(err))
			return
		}
		h.reply(ctx, id, models.NewMessage(models.MsgChartData, "", resp))

	case FrameGetForecasts:
		days := f.Days
		if days == 0 {
			days = 7
		}
		points, err := h.engine.GetForecast(ctx, query.ForecastRequest{
			MetricType: f.MetricType,
			Days:       days,
			Dimensions: f.Dimensions,
		}, actor)
		if err != nil {
			h.sendError(id, f.RequestID, publicError(err))
			return
		}
		h.reply(ctx, id, models.NewMessage(models.MsgForecastData, "", map[string]any{
			"metric_type": f.MetricType,
			"forecast":    points,
		}))

	default:
		h.sendError(id, f.RequestID, "unknown frame type "+f.Type)
	}
}

func (h *Handler) authenticate(id, token string) {
	actor, err := h.auth.Validate(token)
	if err != nil {
		h.log.Debug("websocket authentication failed", zap.String("connection_id", id), zap.Error(err))
		h.registry.Disconnect(id, broker.CloseAuthFailed, "authentication failed")
		return
	}
	if err := h.registry.Authenticate(id, actor); err != nil {
		// The broker has already closed the connection with the right code.
		return
	}

	ctx, cancel := context.WithTimeout(audit.WithRequestID(context.Background(), uuid.NewString()), requestTimeout)
	defer cancel()
	h.reply(ctx, id, models.NewMessage(models.MsgConnectionEstablished, "", map[string]any{
		"connection_id": id,
		"actor_id":      actor.ID,
		"role":          actor.Role,
		"shop_id":       actor.BoundShopID,
		"topics":        []models.Topic{models.TopicAnalytics, models.TopicAnomalies, models.TopicForecasts, models.TopicShopAnalytics},
	}))
	h.reply(ctx, id, models.NewMessage(models.MsgInitialData, "", h.initialData(ctx, actor)))
}

// initialData is a dashboard snapshot: today's revenue and orders charts and
// unacknowledged anomalies. Parts that fail are omitted.
func (h *Handler) initialData(ctx context.Context, actor models.Actor) map[string]any {
	data := map[string]any{}
	dims := models.Dimensions{ShopID: actor.BoundShopID}
	for _, mt := range []models.MetricType{models.MetricRevenue, models.MetricOrders} {
		resp, err := h.engine.GetChartData(ctx, query.ChartRequest{MetricType: mt, TimeRange: query.Range24h, Dimensions: dims}, actor)
		if err != nil {
			h.log.Debug("initial chart failed", zap.String("metric_type", string(mt)), zap.Error(err))
			continue
		}
		data[string(mt)] = resp
	}
	unacked := false
	anomalies, err := h.engine.ListAnomalies(ctx, query.AnomalyFilter{Acknowledged: &unacked, Limit: 20}, actor)
	if err != nil {
		h.log.Debug("initial anomalies failed", zap.Error(err))
	} else {
		data["anomalies"] = anomalies
	}
	return data
}

// topics lists the connection's current subscriptions.
func (h *Handler) topics(id string) []models.Topic {
	subs := h.registry.Subscriptions(id)
	out := make([]models.Topic, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Topic)
	}
	return out
}

func (h *Handler) reply(ctx context.Context, id string, msg models.Message) {
	if err := h.registry.Send(ctx, id, msg); err != nil {
		h.log.Debug("websocket reply failed", zap.String("connection_id", id), zap.String("type", msg.Type), zap.Error(err))
	}
}

func (h *Handler) sendError(id, requestID, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	h.reply(ctx, id, models.NewMessage(models.MsgError, "", map[string]any{
		"request_id": requestID,
		"message":    message,
	}))
}

// publicError hides internal failures from clients.
func publicError(err error) string {
	if models.IsValidation(err) || models.IsUnauthorized(err) || models.IsNotFound(err) {
		return err.Error()
	}
	return models.ErrInternal.Error()
}
