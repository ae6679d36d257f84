package audit

import (
	"time"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// Actions recorded by the query surface.
const (
	ActionGetChartData       = "get_chart_data"
	ActionGetForecast        = "get_forecast"
	ActionListAnomalies      = "list_anomalies"
	ActionAcknowledgeAnomaly = "acknowledge_anomaly"
	ActionListAuditLogs      = "list_audit_logs"
	ActionConnectionStats    = "connection_stats"
)

// Entry wraps models.AuditEntry with a fluent builder.
type Entry struct {
	models.AuditEntry
}

// NewEntry creates an entry for actor performing action on resource.
// Outcome defaults to success.
func NewEntry(actor models.Actor, action, resource string) *Entry {
	return &Entry{models.AuditEntry{
		Timestamp: time.Now().UTC(),
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Action:    action,
		Resource:  resource,
		Filters:   make(map[string]string),
		Outcome:   models.OutcomeSuccess,
	}}
}

// WithFilter records one request filter. Empty values are skipped.
func (e *Entry) WithFilter(key, value string) *Entry {
	if value != "" {
		e.Filters[key] = value
	}
	return e
}

// WithFilters merges a filter map.
func (e *Entry) WithFilters(filters map[string]string) *Entry {
	for k, v := range filters {
		e.WithFilter(k, v)
	}
	return e
}

// WithRequestID sets the request correlation id.
func (e *Entry) WithRequestID(id string) *Entry {
	e.RequestID = id
	return e
}

// WithError classifies err into an outcome. A nil error leaves the entry
// successful; unauthorized errors are recorded as such, everything else as
// failed.
func (e *Entry) WithError(err error) *Entry {
	if err == nil {
		return e
	}
	e.ErrorMessage = err.Error()
	if models.IsUnauthorized(err) {
		e.Outcome = models.OutcomeUnauthorized
	} else {
		e.Outcome = models.OutcomeFailed
	}
	return e
}
