// Package ingest turns storefront domain events into metric bucket updates.
//
// Each event is retained as a RawEvent, then claimed and applied in a single
// store transaction: the processed flag and every bucket increment commit
// together or not at all. Anomaly checks run after the commit.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-analytics/internal/db"
	"github.com/kubilitics/kubilitics-analytics/internal/metrics"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// DefaultDedupeSize bounds the recently-processed id cache.
const DefaultDedupeSize = 10000

// bucketGranularities are written on ingest. Weekly and monthly are rolled up
// from daily rows at read time.
var bucketGranularities = []models.Granularity{models.GranularityHourly, models.GranularityDaily}

// Store is the persistence the ingestor needs.
type Store interface {
	SaveRawEvent(ctx context.Context, ev *models.RawEvent) (bool, error)
	ApplyEvent(ctx context.Context, eventID string, processedAt time.Time, upserts []db.MetricUpsert) (bool, error)
	ListUnprocessedEvents(ctx context.Context, limit int) ([]*models.RawEvent, error)
}

// Detector checks the hourly bucket containing at.
type Detector interface {
	Detect(ctx context.Context, metricType models.MetricType, dims models.Dimensions, at time.Time) (*models.AnomalyRecord, error)
}

// TouchedKey is one (metric, dimension set) aggregate an event updated.
type TouchedKey struct {
	MetricType models.MetricType `json:"metric_type"`
	Dimensions models.Dimensions `json:"dimensions"`
}

// IngestResult describes what one Ingest call did.
type IngestResult struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	// Duplicate is set when the event had already been processed.
	Duplicate bool                    `json:"duplicate"`
	Deltas    []models.MetricDelta    `json:"deltas,omitempty"`
	Touched   []TouchedKey            `json:"touched,omitempty"`
	Upserts   int                     `json:"upserts"`
	Anomalies []*models.AnomalyRecord `json:"anomalies,omitempty"`
}

// Ingestor applies events to the metric store.
type Ingestor struct {
	store    Store
	detector Detector
	seen     *lru.Cache[string, struct{}]
	log      *zap.Logger
	now      func() time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithDetector enables post-commit anomaly checks.
func WithDetector(d Detector) Option {
	return func(i *Ingestor) { i.detector = d }
}

// WithClock overrides the time source used for processed_at.
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

// NewIngestor creates an ingestor with a dedupe cache of dedupeSize ids.
func NewIngestor(store Store, log *zap.Logger, dedupeSize int, opts ...Option) (*Ingestor, error) {
	if dedupeSize <= 0 {
		dedupeSize = DefaultDedupeSize
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	i := &Ingestor{store: store, seen: seen, log: log, now: time.Now}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// Ingest validates, retains and applies ev. Replaying an event that was
// already applied is a no-op reported with Duplicate set.
func (i *Ingestor) Ingest(ctx context.Context, ev models.RawEvent) (*IngestResult, error) {
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	if err := Validate(&ev); err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(ev.EventType, "invalid").Inc()
		return nil, err
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.Dimensions = dimensionsFromPayload(ev.Dimensions, ev.Payload)

	res := &IngestResult{EventID: ev.EventID, EventType: ev.EventType}
	if i.seen.Contains(ev.EventID) {
		res.Duplicate = true
		metrics.EventsIngestedTotal.WithLabelValues(ev.EventType, "duplicate").Inc()
		return res, nil
	}

	deltas, err := Deltas(&ev)
	if err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(ev.EventType, "invalid").Inc()
		return nil, err
	}

	if _, err := i.store.SaveRawEvent(ctx, &ev); err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(ev.EventType, "failed").Inc()
		return nil, fmt.Errorf("retain event %s: %w", ev.EventID, err)
	}

	upserts, touched := plan(deltas, ev.OccurredAt)
	applied, err := i.store.ApplyEvent(ctx, ev.EventID, i.now().UTC(), upserts)
	if err != nil {
		metrics.EventsIngestedTotal.WithLabelValues(ev.EventType, "failed").Inc()
		var sce *models.StoreConsistencyError
		if errors.As(err, &sce) {
			i.log.Error("metric store invariant violated",
				zap.String("event_id", ev.EventID), zap.String("op", sce.Op), zap.Error(sce.Err))
		}
		return nil, fmt.Errorf("apply event %s: %w", ev.EventID, err)
	}
	i.seen.Add(ev.EventID, struct{}{})
	if !applied {
		res.Duplicate = true
		metrics.EventsIngestedTotal.WithLabelValues(ev.EventType, "duplicate").Inc()
		return res, nil
	}

	res.Deltas = deltas
	res.Touched = touched
	res.Upserts = len(upserts)
	metrics.EventsIngestedTotal.WithLabelValues(ev.EventType, "processed").Inc()
	if !Mapped(ev.EventType) {
		i.log.Debug("event type has no metric mapping", zap.String("event_id", ev.EventID), zap.String("event_type", ev.EventType))
	}

	res.Anomalies = i.detect(ctx, touched, ev.OccurredAt)
	return res, nil
}

// detect checks the bucket the event landed in for every touched key.
// Failures are logged only; the ingest has already committed.
func (i *Ingestor) detect(ctx context.Context, touched []TouchedKey, at time.Time) []*models.AnomalyRecord {
	if i.detector == nil {
		return nil
	}
	var out []*models.AnomalyRecord
	for _, k := range touched {
		rec, err := i.detector.Detect(ctx, k.MetricType, k.Dimensions, at)
		if err != nil {
			i.log.Warn("anomaly check failed",
				zap.String("metric_type", string(k.MetricType)),
				zap.String("dimensions", k.Dimensions.Key()),
				zap.Error(err))
			continue
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// ReplayUnprocessed re-applies up to limit retained events that never
// committed. It returns the number applied.
func (i *Ingestor) ReplayUnprocessed(ctx context.Context, limit int) (int, error) {
	pending, err := i.store.ListUnprocessedEvents(ctx, limit)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return applied, err
		}
		res, err := i.Ingest(ctx, *ev)
		if err != nil {
			i.log.Warn("replay failed", zap.String("event_id", ev.EventID), zap.Error(err))
			continue
		}
		if !res.Duplicate {
			applied++
		}
	}
	i.log.Info("replay complete", zap.Int("pending", len(pending)), zap.Int("applied", applied))
	return applied, nil
}

// Validate checks the fields every event must carry.
func Validate(ev *models.RawEvent) error {
	if ev.EventType == "" {
		return models.NewValidationError("event_type", "is required")
	}
	if ev.OccurredAt.IsZero() {
		return models.NewValidationError("occurred_at", "is required")
	}
	return nil
}

// plan expands deltas into hourly and daily upserts for every dimension
// subset present on the delta.
func plan(deltas []models.MetricDelta, at time.Time) ([]db.MetricUpsert, []TouchedKey) {
	var upserts []db.MetricUpsert
	var touched []TouchedKey
	seen := make(map[TouchedKey]bool)
	for _, d := range deltas {
		for _, dims := range d.Dimensions.Subsets() {
			for _, g := range bucketGranularities {
				upserts = append(upserts, db.MetricUpsert{
					MetricType:  d.MetricType,
					Granularity: g,
					BucketKey:   g.BucketKey(at),
					BucketStart: g.BucketStart(at),
					Dimensions:  dims,
					Value:       d.Value,
				})
			}
			k := TouchedKey{MetricType: d.MetricType, Dimensions: dims}
			if !seen[k] {
				seen[k] = true
				touched = append(touched, k)
			}
		}
	}
	return upserts, touched
}
