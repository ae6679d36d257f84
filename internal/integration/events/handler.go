// Package events consumes storefront domain events from Kafka and feeds them
// into the analytics pipeline.
//
// Delivery is at least once. An offset is committed only after the event was
// durably ingested or rejected as malformed; transient ingest failures are
// retried with backoff on the same message. Redeliveries are absorbed by the
// ingestor's event-id idempotency, and messages without an event_id are
// keyed by topic, partition and offset so they dedupe too.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/analytics/ingest"
	"github.com/kubilitics/kubilitics-analytics/internal/metrics"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink ingests one event synchronously.
type Sink interface {
	Process(ctx context.Context, ev models.RawEvent) (*ingest.IngestResult, error)
}

// Config selects the brokers, consumer group and topic.
type Config struct {
	Brokers []string
	GroupID string
	Topic   string
}

// Consumer reads events from one topic.
type Consumer struct {
	reader MessageReader
	sink   Sink
	log    *zap.Logger
}

// NewConsumer creates a Kafka group consumer.
func NewConsumer(cfg Config, sink Sink, log *zap.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return NewConsumerWithReader(reader, sink, log), nil
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(reader MessageReader, sink Sink, log *zap.Logger) *Consumer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{reader: reader, sink: sink, log: log.With(zap.String("component", "kafka-consumer"))}
}

// Run consumes until ctx is cancelled. It returns nil on cancellation and the
// reader's error otherwise.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("kafka consumer started")
	defer c.log.Info("kafka consumer stopped")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			// The message stays uncommitted and is redelivered after restart.
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ingest offset %d: %w", msg.Offset, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("commit failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// Close releases the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// handle ingests msg, retrying transient failures until ctx ends. Malformed
// messages are dropped. A store consistency failure is fatal and returned.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	ev, err := decode(msg)
	if err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("kafka", "decode_error").Inc()
		c.log.Warn("dropping undecodable message",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	backoff := minBackoff
	for {
		_, err := c.sink.Process(ctx, ev)
		if err == nil {
			return nil
		}
		if models.IsValidation(err) {
			metrics.EventsDroppedTotal.WithLabelValues("kafka", "invalid").Inc()
			c.log.Warn("dropping invalid event", zap.String("event_id", ev.EventID), zap.Error(err))
			return nil
		}
		var sce *models.StoreConsistencyError
		if errors.As(err, &sce) {
			c.log.Error("metric store inconsistent, stopping consumer",
				zap.String("event_id", ev.EventID),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			return err
		}
		c.log.Error("ingest failed, retrying",
			zap.String("event_id", ev.EventID),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func decode(msg kafka.Message) (models.RawEvent, error) {
	var ev models.RawEvent
	dec := json.NewDecoder(bytes.NewReader(msg.Value))
	dec.UseNumber()
	if err := dec.Decode(&ev); err != nil {
		return ev, err
	}
	if ev.EventID == "" {
		ev.EventID = fmt.Sprintf("kafka:%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
	}
	if ev.OccurredAt.IsZero() && !msg.Time.IsZero() {
		ev.OccurredAt = msg.Time
	}
	return ev, nil
}
