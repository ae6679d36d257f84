package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-analytics/internal/analytics/ingest"
	"github.com/kubilitics/kubilitics-analytics/internal/db"
	"github.com/kubilitics/kubilitics-analytics/internal/models"
)

// fakeReader serves queued messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	fetchErr  error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.fetchErr != nil {
		err := r.fetchErr
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.queue) > 0 {
		m := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

// flakySink fails the first n calls with a transient error.
type flakySink struct {
	inner Sink
	mu    sync.Mutex
	fails int
	calls int
}

func (s *flakySink) Process(ctx context.Context, ev models.RawEvent) (*ingest.IngestResult, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.fails
	s.mu.Unlock()
	if fail {
		return nil, errors.New("database is locked")
	}
	return s.inner.Process(ctx, ev)
}

type ingestorSink struct{ ing *ingest.Ingestor }

func (s ingestorSink) Process(ctx context.Context, ev models.RawEvent) (*ingest.IngestResult, error) {
	return s.ing.Ingest(ctx, ev)
}

func newSink(t *testing.T) (db.Store, Sink) {
	t.Helper()
	s, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ing, err := ingest.NewIngestor(s, nil, 16)
	require.NoError(t, err)
	return s, ingestorSink{ing}
}

func runUntilCommitted(t *testing.T, c *Consumer, r *fakeReader, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return len(r.commits()) >= n }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func orderCount(t *testing.T, s db.Store, from time.Time) float64 {
	t.Helper()
	pts, err := s.MetricSeries(context.Background(), db.MetricQuery{
		MetricType: models.MetricOrders, Granularity: models.GranularityHourly, From: from,
	})
	require.NoError(t, err)
	total := 0.0
	for _, p := range pts {
		total += p.Value
	}
	return total
}

func TestConsumerIngestsAndCommits(t *testing.T) {
	store, sink := newSink(t)
	at := time.Now().UTC()
	r := &fakeReader{queue: []kafka.Message{
		{Topic: "events", Offset: 1, Value: []byte(`{"event_id":"e1","event_type":"order_created","occurred_at":"` + at.Format(time.RFC3339) + `"}`)},
		{Topic: "events", Offset: 2, Value: []byte(`not json`)},
		{Topic: "events", Offset: 3, Value: []byte(`{"event_type":"order_created"}`), Time: at},
		{Topic: "events", Offset: 4, Value: []byte(`{"event_id":"e1","event_type":"order_created","occurred_at":"` + at.Format(time.RFC3339) + `"}`)},
	}}

	runUntilCommitted(t, NewConsumerWithReader(r, sink, nil), r, 4)

	assert.Equal(t, []int64{1, 2, 3, 4}, r.commits(), "malformed and duplicate messages are committed too")
	assert.Equal(t, 2.0, orderCount(t, store, at.Add(-time.Hour)))
}

func TestConsumerDropsInvalidEvents(t *testing.T) {
	store, sink := newSink(t)
	r := &fakeReader{queue: []kafka.Message{
		{Topic: "events", Offset: 7, Value: []byte(`{"event_type":"order_created"}`)},
	}}
	runUntilCommitted(t, NewConsumerWithReader(r, sink, nil), r, 1)
	assert.Zero(t, orderCount(t, store, time.Now().Add(-24*time.Hour)))
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	store, inner := newSink(t)
	sink := &flakySink{inner: inner, fails: 2}
	at := time.Now().UTC()
	r := &fakeReader{queue: []kafka.Message{
		{Topic: "events", Offset: 1, Value: []byte(`{"event_id":"r1","event_type":"order_created"}`), Time: at},
	}}

	runUntilCommitted(t, NewConsumerWithReader(r, sink, nil), r, 1)
	assert.Equal(t, 3, sink.calls)
	assert.Equal(t, 1.0, orderCount(t, store, at.Add(-time.Hour)))
}

type brokenStoreSink struct{ calls int }

func (s *brokenStoreSink) Process(context.Context, models.RawEvent) (*ingest.IngestResult, error) {
	s.calls++
	return nil, fmt.Errorf("apply event: %w", &models.StoreConsistencyError{Op: "upsert", Err: errors.New("2 rows affected")})
}

func TestConsumerStopsOnStoreConsistencyError(t *testing.T) {
	sink := &brokenStoreSink{}
	r := &fakeReader{queue: []kafka.Message{
		{Topic: "events", Offset: 5, Value: []byte(`{"event_id":"c1","event_type":"order_created"}`), Time: time.Now()},
	}}

	done := make(chan error, 1)
	go func() { done <- NewConsumerWithReader(r, sink, nil).Run(context.Background()) }()

	select {
	case err := <-done:
		var sce *models.StoreConsistencyError
		require.True(t, errors.As(err, &sce), "got %v", err)
		assert.Equal(t, "upsert", sce.Op)
	case <-time.After(3 * time.Second):
		t.Fatal("consumer kept retrying a fatal store error")
	}
	assert.Equal(t, 1, sink.calls)
	assert.Empty(t, r.commits(), "the offset stays uncommitted")
}

func TestConsumerReturnsReaderErrors(t *testing.T) {
	_, sink := newSink(t)
	r := &fakeReader{fetchErr: errors.New("broker unreachable")}
	err := NewConsumerWithReader(r, sink, nil).Run(context.Background())
	assert.ErrorContains(t, err, "broker unreachable")
}

func TestDecodeFallbacks(t *testing.T) {
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ev, err := decode(kafka.Message{Topic: "t", Partition: 2, Offset: 9, Time: at, Value: []byte(`{"event_type":"x"}`)})
	require.NoError(t, err)
	assert.Equal(t, "kafka:t:2:9", ev.EventID)
	assert.Equal(t, at, ev.OccurredAt)
}

func TestNewConsumerValidatesConfig(t *testing.T) {
	_, err := NewConsumer(Config{}, nil, nil)
	assert.Error(t, err)
	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}}, nil, nil)
	assert.Error(t, err)
	_, err = NewConsumer(Config{Brokers: []string{"localhost:9092"}, GroupID: "g"}, nil, nil)
	assert.Error(t, err)
}

type captureWriter struct{ msgs []kafka.Message }

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *captureWriter) Close() error { return nil }

func TestPublisherRoundTripsThroughConsumer(t *testing.T) {
	w := &captureWriter{}
	p := NewPublisherWithWriter(w)
	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, p.Publish(context.Background(), models.RawEvent{
		EventID: "p1", EventType: ingest.EventOrderCreated, OccurredAt: at,
		Dimensions: models.Dimensions{ShopID: "S"},
	}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("S"), w.msgs[0].Key)

	store, sink := newSink(t)
	r := &fakeReader{queue: w.msgs}
	runUntilCommitted(t, NewConsumerWithReader(r, sink, nil), r, 1)
	assert.Equal(t, 1.0, orderCount(t, store, at.Add(-time.Hour)))
}
