package models

import "time"

// Topic is a broker subscription channel.
type Topic string

const (
	TopicAnalytics     Topic = "analytics"
	TopicAnomalies     Topic = "anomalies"
	TopicForecasts     Topic = "forecasts"
	TopicShopAnalytics Topic = "shop_analytics"
)

// Valid reports whether t is a known topic.
func (t Topic) Valid() bool {
	switch t {
	case TopicAnalytics, TopicAnomalies, TopicForecasts, TopicShopAnalytics:
		return true
	}
	return false
}

// Message types exchanged over the subscription channel.
const (
	MsgConnectionEstablished = "connection_established"
	MsgConnectionTimeout     = "connection_timeout"
	MsgInitialData           = "initial_data"
	MsgSubscriptionConfirmed = "subscription_confirmed"
	MsgUnsubscribed          = "unsubscribed"
	MsgMetricUpdate          = "metric_update"
	MsgChartUpdate           = "chart_update"
	MsgChartData             = "chart_data"
	MsgAnomalyAlert          = "anomaly_alert"
	MsgAnomalyAcknowledged   = "anomaly_acknowledged"
	MsgForecastUpdate        = "forecast_update"
	MsgForecastData          = "forecast_data"
	MsgPing                  = "ping"
	MsgPong                  = "pong"
	MsgError                 = "error"
)

// Message is one frame pushed to a subscriber.
type Message struct {
	Type      string    `json:"type"`
	Topic     Topic     `json:"topic,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with the current UTC time.
func NewMessage(msgType string, topic Topic, data any) Message {
	return Message{Type: msgType, Topic: topic, Data: data, Timestamp: time.Now().UTC()}
}

// Scope describes which tenant a broadcast belongs to. An empty ShopID means
// the message is system-wide.
type Scope struct {
	ShopID string `json:"shop_id,omitempty"`
}
