package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Analytics service metrics for production monitoring
var (
	// Ingest metrics
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_events_ingested_total",
			Help: "Total number of events ingested",
		},
		[]string{"event_type", "status"}, // status: applied/duplicate/ignored/error
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_events_dropped_total",
			Help: "Events dropped before ingest",
		},
		[]string{"source", "reason"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_analytics_ingest_duration_seconds",
			Help:    "Time to apply one event to the metric store",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
	)

	IngestQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_analytics_ingest_queue_depth",
			Help: "Events waiting in the async ingest queue",
		},
	)

	// Detection metrics
	AnomaliesDetectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_anomalies_detected_total",
			Help: "Total number of anomalies recorded",
		},
		[]string{"metric_type", "severity", "algorithm"},
	)

	ForecastsGeneratedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_forecasts_generated_total",
			Help: "Total number of forecast runs persisted",
		},
		[]string{"metric_type", "trigger"}, // trigger: on_demand/scheduled/cli
	)

	// Query metrics
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_queries_total",
			Help: "Total number of queries by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_analytics_query_duration_seconds",
			Help:    "Query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Broker metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_analytics_websocket_connections",
			Help: "Current number of registered subscription connections",
		},
	)

	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_messages_total",
			Help: "Subscription frames by direction and type",
		},
		[]string{"direction", "type"}, // direction: in/out
	)

	BroadcastFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_broadcast_failures_total",
			Help: "Per-recipient delivery failures",
		},
		[]string{"topic"},
	)

	ConnectionsClosedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_connections_closed_total",
			Help: "Connections closed by reason",
		},
		[]string{"reason"},
	)

	// Maintenance metrics
	RetentionPrunedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_retention_pruned_total",
			Help: "Metric buckets deleted by retention",
		},
		[]string{"granularity"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubilitics_analytics_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
	)
)
