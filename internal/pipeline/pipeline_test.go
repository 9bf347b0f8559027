package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchcryptid/rent-crime-etl/internal/domain"
	"github.com/couchcryptid/rent-crime-etl/internal/observability"
	"github.com/couchcryptid/rent-crime-etl/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	crimeTopic = "raw-crime-complaints"
	rentTopic  = "raw-median-rents"
)

// --- mocks ---

type mockExtractor struct {
	mu      sync.Mutex
	batches [][]domain.RawEvent
	finite  bool
}

func (m *mockExtractor) ExtractBatch(ctx context.Context, _ int) ([]domain.RawEvent, error) {
	m.mu.Lock()
	if len(m.batches) > 0 {
		b := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()
	if m.finite {
		return nil, io.EOF
	}
	// block until context cancelled to simulate waiting for messages
	<-ctx.Done()
	return nil, ctx.Err()
}

type mockLoader struct {
	mu       sync.Mutex
	loaded   []domain.Record
	calls    int
	failures int
}

func (m *mockLoader) LoadBatch(_ context.Context, records []domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.failures > 0 {
		m.failures--
		return errors.New("store unavailable")
	}
	m.loaded = append(m.loaded, records...)
	return nil
}

func (m *mockLoader) snapshot() ([]domain.Record, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Record(nil), m.loaded...), m.calls
}

type mockSink struct {
	mu   sync.Mutex
	rows []domain.RejectedRow
}

func (m *mockSink) PublishRejections(_ context.Context, rows []domain.RejectedRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func newTestMetrics() *observability.Metrics {
	// Use a fresh registry to avoid "already registered" panics in tests.
	return observability.NewMetricsForTesting()
}

func newTransformer() *pipeline.RowTransformer {
	return pipeline.NewTransformer(map[string]string{
		crimeTopic: domain.DatasetCrime,
		rentTopic:  domain.DatasetRent,
	})
}

// --- tests ---

func TestPipeline_Run_HappyPath(t *testing.T) {
	ext := &mockExtractor{batches: [][]domain.RawEvent{{
		crimeEvent(t, "100", "FELONY"),
		rentEvent(t, "10001", "2024-01", "2000"),
	}}}
	ldr := &mockLoader{}

	p := pipeline.New(ext, newTransformer(), ldr, slog.Default(), newTestMetrics(), 10)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))

	loaded, _ := ldr.snapshot()
	require.Len(t, loaded, 2)
	require.NotNil(t, loaded[0].Crime)
	assert.Equal(t, "100", loaded[0].Crime.ID)
	require.NotNil(t, loaded[1].Rent)
	assert.InDelta(t, 2000.0, loaded[1].Rent.MedianRent, 0)
	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	ext := &mockExtractor{} // no events, will block
	ldr := &mockLoader{}

	p := pipeline.New(ext, newTransformer(), ldr, slog.Default(), newTestMetrics(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx))
	loaded, _ := ldr.snapshot()
	assert.Empty(t, loaded)
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_StopsWhenSourceExhausted(t *testing.T) {
	ext := &mockExtractor{finite: true, batches: [][]domain.RawEvent{{crimeEvent(t, "100", "F")}}}
	ldr := &mockLoader{}

	p := pipeline.New(ext, newTransformer(), ldr, slog.Default(), newTestMetrics(), 10)
	require.NoError(t, p.Run(context.Background()))

	loaded, _ := ldr.snapshot()
	assert.Len(t, loaded, 1)
}

func TestPipeline_Run_RejectsInvalidRows(t *testing.T) {
	var committed atomic.Int64
	bad := crimeEvent(t, "101", "INFRACTION")
	bad.Commit = func(_ context.Context) error {
		committed.Add(1)
		return nil
	}

	ext := &mockExtractor{batches: [][]domain.RawEvent{{bad}}}
	ldr := &mockLoader{}
	sink := &mockSink{}

	p := pipeline.New(ext, newTransformer(), ldr, slog.Default(), newTestMetrics(), 10, pipeline.WithRejectSink(sink))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	loaded, calls := ldr.snapshot()
	assert.Empty(t, loaded)
	assert.Zero(t, calls, "an all-rejected batch never reaches the loader")
	assert.Equal(t, int64(1), committed.Load(), "rejected rows are committed so they are not redelivered")
	assert.Error(t, p.CheckReadiness(context.Background()))

	require.Len(t, sink.rows, 1)
	assert.Equal(t, domain.DatasetCrime, sink.rows[0].Dataset)
	assert.Equal(t, domain.RejectUnknownCategory, sink.rows[0].Reason)
	assert.Equal(t, bad.Value, sink.rows[0].Value)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Consumed)
	assert.Equal(t, 1, stats.Rejections.ByReason[domain.RejectUnknownCategory])
}

func TestPipeline_Run_RetriesLoadAndCommitsAfterwards(t *testing.T) {
	var committed atomic.Int64
	raw := crimeEvent(t, "102", "VIOLATION")
	raw.Commit = func(_ context.Context) error {
		committed.Add(1)
		return nil
	}

	ext := &mockExtractor{batches: [][]domain.RawEvent{{raw}}}
	ldr := &mockLoader{failures: 1}

	p := pipeline.New(ext, newTransformer(), ldr, slog.Default(), newTestMetrics(), 10)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Run(ctx))

	loaded, calls := ldr.snapshot()
	assert.Equal(t, 2, calls, "the failed batch is retried, not re-extracted")
	assert.Len(t, loaded, 1)
	assert.Equal(t, int64(1), committed.Load(), "only the successful load commits")
	assert.Equal(t, 1, p.Stats().Consumed)
}

func TestPipeline_Drain(t *testing.T) {
	ext := &mockExtractor{finite: true, batches: [][]domain.RawEvent{
		{crimeEvent(t, "1", "FELONY"), crimeEvent(t, "2", "")},
		{rentEvent(t, "10001", "2024-01", "2000"), rentEvent(t, "10001", "2024-02", "-5")},
	}}
	ldr := &mockLoader{}
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	p := pipeline.New(ext, newTransformer(), ldr, slog.Default(), newTestMetrics(), 2, pipeline.WithClock(clock))
	stats, err := p.Drain(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Consumed)
	assert.Equal(t, 2, stats.Loaded)
	assert.Equal(t, 2, stats.Rejections.Total)
	assert.Equal(t, []domain.RejectReason{domain.RejectInvalidRent, domain.RejectMissingCategory}, stats.Rejections.Reasons())
}

func TestPipeline_Drain_LoadFailure(t *testing.T) {
	ext := &mockExtractor{finite: true, batches: [][]domain.RawEvent{{crimeEvent(t, "1", "FELONY")}}}
	ldr := &mockLoader{failures: 1}

	p := pipeline.New(ext, newTransformer(), ldr, slog.Default(), newTestMetrics(), 10)
	_, err := p.Drain(context.Background())
	assert.ErrorContains(t, err, "store unavailable")
}

func TestLoaders_FanOut(t *testing.T) {
	a, b := &mockLoader{}, &mockLoader{}
	recs := []domain.Record{{Rent: &domain.RentSnapshot{ZIP: "10001"}}}

	require.NoError(t, pipeline.Loaders{a, b}.LoadBatch(context.Background(), recs))
	la, _ := a.snapshot()
	lb, _ := b.snapshot()
	assert.Len(t, la, 1)
	assert.Len(t, lb, 1)

	failing := &mockLoader{failures: 1}
	c := &mockLoader{}
	require.Error(t, pipeline.Loaders{failing, c}.LoadBatch(context.Background(), recs))
	_, calls := c.snapshot()
	assert.Zero(t, calls)
}

func TestRowTransformer_Routing(t *testing.T) {
	tfm := newTransformer()
	ctx := context.Background()

	rec, err := tfm.Transform(ctx, rentEvent(t, "10001", "2024-01", "2000"))
	require.NoError(t, err)
	assert.NotNil(t, rec.Rent)

	// A file source labels events with the dataset itself.
	raw := crimeEvent(t, "1", "FELONY")
	raw.Topic = domain.DatasetCrime
	rec, err = tfm.Transform(ctx, raw)
	require.NoError(t, err)
	assert.NotNil(t, rec.Crime)

	// The dataset header wins over the topic.
	raw = rentEvent(t, "10001", "2024-01", "2000")
	raw.Topic = crimeTopic
	raw.Headers = map[string]string{"dataset": domain.DatasetRent}
	rec, err = tfm.Transform(ctx, raw)
	require.NoError(t, err)
	assert.NotNil(t, rec.Rent)

	raw.Headers = nil
	raw.Topic = "raw-weather-reports"
	_, err = tfm.Transform(ctx, raw)
	var rej *domain.SchemaRejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, domain.RejectUnknownDataset, rej.Reason)
}

// --- helpers ---

func crimeEvent(t *testing.T, id, category string) domain.RawEvent {
	t.Helper()
	data, err := json.Marshal(domain.RawCrimeRow{
		ID:       id,
		Date:     "2024-01-05T00:00:00.000",
		Time:     "12:00:00",
		Category: category,
		Precinct: "1",
	})
	require.NoError(t, err)
	return domain.RawEvent{Key: []byte(id), Value: data, Topic: crimeTopic}
}

func rentEvent(t *testing.T, zip, date, rent string) domain.RawEvent {
	t.Helper()
	data, err := json.Marshal(domain.RawRentRow{ZIP: zip, Date: date, MedianRent: rent})
	require.NoError(t, err)
	return domain.RawEvent{Key: []byte(zip), Value: data, Topic: rentTopic}
}
