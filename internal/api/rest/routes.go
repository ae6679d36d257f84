package rest

// Routes:
//
// Health:
//   GET    /healthz                                   Liveness check
//   GET    /readyz                                    Readiness check (database ping)
//   GET    /metrics                                   Prometheus metrics
//
// WebSocket:
//   GET    /ws/analytics                              Subscription channel (auth in handshake)
//
// Analytics (bearer token required):
//   POST   /api/v1/analytics/events                   Submit an event
//   GET    /api/v1/analytics/charts/{metric_type}     Chart data for one metric
//   GET    /api/v1/analytics/forecasts/{metric_type}  Forecast, ?days=1..30
//   GET    /api/v1/analytics/anomalies                Recent anomalies
//   POST   /api/v1/analytics/anomalies/{id}/acknowledge
//   GET    /api/v1/analytics/audit-logs               Audit trail (admin)
//   GET    /api/v1/analytics/ws/stats                 Live connection stats (admin)

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/api/middleware"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig carries everything NewRouter mounts.
type RouterConfig struct {
	Handler        *Handler
	Auth           *middleware.Authenticator
	RateLimiter    *middleware.RateLimiter
	WebSocket      http.Handler
	Ready          Pinger
	AllowedOrigins []string
	Log            *zap.Logger
}

// NewRouter builds the HTTP surface.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readyHandler(cfg.Ready))
	r.Handle("/metrics", promhttp.Handler())

	if cfg.WebSocket != nil {
		if cfg.RateLimiter != nil {
			r.With(cfg.RateLimiter.Middleware).Handle("/ws/analytics", cfg.WebSocket)
		} else {
			r.Handle("/ws/analytics", cfg.WebSocket)
		}
	}

	h := cfg.Handler
	r.Route("/api/v1/analytics", func(api chi.Router) {
		api.Use(cfg.Auth.Middleware)
		if cfg.RateLimiter != nil {
			api.Use(cfg.RateLimiter.Middleware)
		}
		api.Post("/events", h.SubmitEvent)
		api.Get("/charts/{metric_type}", h.GetChartData)
		api.Get("/forecasts/{metric_type}", h.GetForecast)
		api.Get("/anomalies", h.ListAnomalies)
		api.Post("/anomalies/{id}/acknowledge", h.AcknowledgeAnomaly)
		api.Get("/audit-logs", h.ListAuditLogs)
		api.Get("/ws/stats", h.ConnectionStats)
	})

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func readyHandler(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if p != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "unhealthy",
					"reason": "database_unavailable",
				})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
