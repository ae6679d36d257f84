package ingest

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// Event types with a metric mapping. Anything else is accepted and stored but
// contributes no deltas.
const (
	EventOrderCreated     = "order_created"
	EventOrderCompleted   = "order_completed"
	EventPaymentCompleted = "payment_completed"
	EventPaymentSuccess   = "payment_success"
	EventUserRegistered   = "user_registered"
)

// mapperFunc turns one event into the deltas it contributes.
type mapperFunc func(ev *models.RawEvent) ([]models.MetricDelta, error)

var mappers = map[string]mapperFunc{
	EventOrderCreated:     countOrder,
	EventOrderCompleted:   countOrder,
	EventPaymentCompleted: sumRevenue,
	EventPaymentSuccess:   sumRevenue,
	EventUserRegistered:   countUser,
}

// Mapped reports whether eventType has a metric mapping.
func Mapped(eventType string) bool {
	_, ok := mappers[eventType]
	return ok
}

// Deltas returns the metric deltas for ev. Unknown event types yield none.
func Deltas(ev *models.RawEvent) ([]models.MetricDelta, error) {
	fn, ok := mappers[ev.EventType]
	if !ok {
		return nil, nil
	}
	return fn(ev)
}

func countOrder(ev *models.RawEvent) ([]models.MetricDelta, error) {
	return []models.MetricDelta{{MetricType: models.MetricOrders, Value: 1, Dimensions: ev.Dimensions}}, nil
}

func sumRevenue(ev *models.RawEvent) ([]models.MetricDelta, error) {
	amount, err := amountOf(ev.Payload)
	if err != nil {
		return nil, err
	}
	return []models.MetricDelta{{MetricType: models.MetricRevenue, Value: amount, Dimensions: ev.Dimensions}}, nil
}

// Registrations are platform-level: shop and category do not apply.
func countUser(ev *models.RawEvent) ([]models.MetricDelta, error) {
	dims := ev.Dimensions
	dims.ShopID = ""
	dims.CategoryID = ""
	return []models.MetricDelta{{MetricType: models.MetricUsers, Value: 1, Dimensions: dims}}, nil
}

// amountOf reads payload["amount"]. A missing amount counts as zero.
func amountOf(payload map[string]any) (float64, error) {
	raw, ok := payload["amount"]
	if !ok || raw == nil {
		return 0, nil
	}
	var v float64
	switch a := raw.(type) {
	case float64:
		v = a
	case float32:
		v = float64(a)
	case int:
		v = float64(a)
	case int64:
		v = float64(a)
	case json.Number:
		f, err := a.Float64()
		if err != nil {
			return 0, models.NewValidationError("amount", "not a number: %q", a.String())
		}
		v = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
		if err != nil {
			return 0, models.NewValidationError("amount", "not a number: %q", a)
		}
		v = f
	default:
		return 0, models.NewValidationError("amount", "unsupported type %T", raw)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, models.NewValidationError("amount", "must be finite")
	}
	if v < 0 {
		return 0, models.NewValidationError("amount", "must not be negative, got %v", v)
	}
	return v, nil
}

// dimensionsFromPayload fills unset dimensions from well-known payload keys.
func dimensionsFromPayload(d models.Dimensions, payload map[string]any) models.Dimensions {
	if d.ShopID == "" {
		d.ShopID = stringField(payload, "shop_id")
	}
	if d.CategoryID == "" {
		d.CategoryID = stringField(payload, "category_id")
	}
	if d.Region == "" {
		d.Region = stringField(payload, "region")
	}
	if d.Role == "" {
		d.Role = stringField(payload, "role")
	}
	return d
}

func stringField(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	}
	return ""
}
