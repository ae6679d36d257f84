// Package models defines the core data types shared by the analytics engine.
//
// Metric points, raw events, forecasts, anomalies and audit entries are the
// persisted records; Actor and Dimensions travel with every query and
// subscription.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MetricType names an aggregated business metric.
type MetricType string

const (
	MetricRevenue           MetricType = "revenue"
	MetricOrders            MetricType = "orders"
	MetricUsers             MetricType = "users"
	MetricSessions          MetricType = "sessions"
	MetricConversion        MetricType = "conversion"
	MetricAverageOrderValue MetricType = "average_order_value"
)

// KnownMetricTypes lists every metric the query surface accepts.
var KnownMetricTypes = []MetricType{
	MetricRevenue, MetricOrders, MetricUsers,
	MetricSessions, MetricConversion, MetricAverageOrderValue,
}

// IsKnown reports whether m is one of KnownMetricTypes.
func (m MetricType) IsKnown() bool {
	for _, k := range KnownMetricTypes {
		if k == m {
			return true
		}
	}
	return false
}

// Granularity is the bucket size of a metric series.
type Granularity string

const (
	GranularityHourly  Granularity = "hourly"
	GranularityDaily   Granularity = "daily"
	GranularityWeekly  Granularity = "weekly"
	GranularityMonthly Granularity = "monthly"
)

// Valid reports whether g is a supported granularity.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityHourly, GranularityDaily, GranularityWeekly, GranularityMonthly:
		return true
	}
	return false
}

// BucketStart truncates t (in UTC) to the start of its bucket.
// Weekly buckets start on ISO Monday.
func (g Granularity) BucketStart(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityHourly:
		return t.Truncate(time.Hour)
	case GranularityDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case GranularityWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case GranularityMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// BucketKey formats the bucket containing t.
func (g Granularity) BucketKey(t time.Time) string {
	start := g.BucketStart(t)
	switch g {
	case GranularityHourly:
		return start.Format("2006-01-02T15")
	case GranularityDaily:
		return start.Format("2006-01-02")
	case GranularityWeekly:
		year, week := start.ISOWeek()
		return fmt.Sprintf("%d-W%02d", year, week)
	case GranularityMonthly:
		return start.Format("2006-01")
	}
	return start.Format(time.RFC3339)
}

// Dimensions narrow a metric. Empty strings mean "not set".
type Dimensions struct {
	ShopID     string `json:"shop_id,omitempty" db:"shop_id"`
	CategoryID string `json:"category_id,omitempty" db:"category_id"`
	Region     string `json:"region,omitempty" db:"region"`
	Role       string `json:"role,omitempty" db:"role"`
}

// IsZero reports whether no dimension is set.
func (d Dimensions) IsZero() bool {
	return d == Dimensions{}
}

// Key renders the full dimension tuple in a stable form.
func (d Dimensions) Key() string {
	return "shop=" + d.ShopID + "|category=" + d.CategoryID + "|region=" + d.Region + "|role=" + d.Role
}

// Map returns only the set dimensions.
func (d Dimensions) Map() map[string]string {
	out := make(map[string]string, 4)
	if d.ShopID != "" {
		out["shop_id"] = d.ShopID
	}
	if d.CategoryID != "" {
		out["category_id"] = d.CategoryID
	}
	if d.Region != "" {
		out["region"] = d.Region
	}
	if d.Role != "" {
		out["role"] = d.Role
	}
	return out
}

// Subsets returns every dimension set present in d: all combinations of its
// non-empty fields, including the platform-wide empty set. Each subset is an
// independent aggregation key so that exact-key reads never double count.
func (d Dimensions) Subsets() []Dimensions {
	type setter func(*Dimensions)
	var present []setter
	if d.ShopID != "" {
		present = append(present, func(x *Dimensions) { x.ShopID = d.ShopID })
	}
	if d.CategoryID != "" {
		present = append(present, func(x *Dimensions) { x.CategoryID = d.CategoryID })
	}
	if d.Region != "" {
		present = append(present, func(x *Dimensions) { x.Region = d.Region })
	}
	if d.Role != "" {
		present = append(present, func(x *Dimensions) { x.Role = d.Role })
	}

	out := make([]Dimensions, 0, 1<<len(present))
	for mask := 0; mask < 1<<len(present); mask++ {
		var sub Dimensions
		for i, set := range present {
			if mask&(1<<i) != 0 {
				set(&sub)
			}
		}
		out = append(out, sub)
	}
	return out
}

// MetricPoint is one time-bucketed aggregate.
type MetricPoint struct {
	ID          int64       `json:"-" db:"id"`
	MetricType  MetricType  `json:"metric_type" db:"metric_type"`
	Granularity Granularity `json:"granularity" db:"granularity"`
	BucketKey   string      `json:"bucket_key" db:"bucket_key"`
	BucketStart time.Time   `json:"bucket_start" db:"bucket_start"`
	Dimensions
	Value       float64   `json:"value" db:"value"`
	SampleCount int64     `json:"sample_count" db:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// MetricDelta is the contribution of one event to one metric.
type MetricDelta struct {
	MetricType MetricType `json:"metric_type"`
	Value      float64    `json:"value"`
	Dimensions Dimensions `json:"dimensions"`
}

// RawEvent is an ingested domain event, retained for replay and audit.
type RawEvent struct {
	EventID     string         `json:"event_id"`
	EventType   string         `json:"event_type"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	Dimensions  Dimensions     `json:"dimensions"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Processed   bool           `json:"processed"`
	ProcessedAt *time.Time     `json:"processed_at,omitempty"`
}

// ForecastPoint is one predicted day of a forecast run.
type ForecastPoint struct {
	ForecastID      string     `json:"forecast_id"`
	RunID           string     `json:"run_id"`
	MetricType      MetricType `json:"metric_type"`
	ForecastDate    time.Time  `json:"forecast_date"`
	PredictedValue  float64    `json:"predicted_value"`
	ConfidenceLower float64    `json:"confidence_lower"`
	ConfidenceUpper float64    `json:"confidence_upper"`
	ConfidenceLevel float64    `json:"confidence_level"`
	ModelName       string     `json:"model_name"`
	ModelVersion    string     `json:"model_version"`
	Dimensions      Dimensions `json:"dimensions"`
	CreatedAt       time.Time  `json:"created_at"`
}

// Severity grades an anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities from low (1) to critical (4).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AnomalyRecord is a persisted anomaly detection.
type AnomalyRecord struct {
	DetectionID    string     `json:"detection_id"`
	MetricType     MetricType `json:"metric_type"`
	BucketKey      string     `json:"bucket_key"`
	Timestamp      time.Time  `json:"timestamp"`
	ActualValue    float64    `json:"actual_value"`
	ExpectedValue  float64    `json:"expected_value"`
	AnomalyScore   float64    `json:"anomaly_score"`
	Severity       Severity   `json:"severity"`
	Algorithm      string     `json:"algorithm"`
	Threshold      float64    `json:"threshold"`
	Dimensions     Dimensions `json:"dimensions"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// Outcome is the result recorded on an audit entry.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeFailed       Outcome = "failed"
	OutcomeUnauthorized Outcome = "unauthorized"
)

// AuditEntry is an immutable record of one query or mutation.
type AuditEntry struct {
	LogID        string            `json:"log_id"`
	Timestamp    time.Time         `json:"timestamp"`
	ActorID      string            `json:"actor_id"`
	ActorRole    string            `json:"actor_role"`
	Action       string            `json:"action"`
	Resource     string            `json:"resource"`
	Filters      map[string]string `json:"filters,omitempty"`
	Outcome      Outcome           `json:"outcome"`
	ErrorMessage string            `json:"error_message,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
}

// Role values understood by the engine.
const (
	RoleAdmin     = "admin"
	RoleShopOwner = "shop_owner"
)

// Actor is the authenticated caller of a query or subscription.
type Actor struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	BoundShopID string `json:"bound_shop_id,omitempty"`
}

// PlatformWide reports whether the actor sees every tenant.
func (a Actor) PlatformWide() bool { return a.Role == RoleAdmin }

// ShopScoped reports whether the actor is restricted to its bound shop.
func (a Actor) ShopScoped() bool { return a.Role == RoleShopOwner }

// HasAnalyticsAccess reports whether the role may use the analytics surface.
func (a Actor) HasAnalyticsAccess() bool { return a.PlatformWide() || a.ShopScoped() }

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FormatFilters renders a filter map as "k=v,k=v" in key order.
func FormatFilters(m map[string]string) string {
	var b strings.Builder
	for i, k := range SortedKeys(m) {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(m[k])
	}
	return b.String()
}
