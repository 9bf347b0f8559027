package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/rent-crime-etl/internal/domain"
	"github.com/couchcryptid/rent-crime-etl/internal/observability"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// BatchExtractor reads up to batchSize raw events from the source. A finite
// source returns io.EOF, possibly together with its final events.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error)
}

// Transformer converts a raw event into a normalized record.
type Transformer interface {
	Transform(ctx context.Context, raw domain.RawEvent) (domain.Record, error)
}

// BatchLoader writes normalized records to the destination.
type BatchLoader interface {
	LoadBatch(ctx context.Context, records []domain.Record) error
}

// RejectSink receives rows that failed normalization.
type RejectSink interface {
	PublishRejections(ctx context.Context, rows []domain.RejectedRow) error
}

// Loaders fans a batch out to every loader in order, stopping at the first
// failure.
type Loaders []BatchLoader

func (ls Loaders) LoadBatch(ctx context.Context, records []domain.Record) error {
	for _, l := range ls {
		if err := l.LoadBatch(ctx, records); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarizes the rows a pipeline has handled.
type Stats struct {
	Consumed   int
	Loaded     int
	Rejections domain.Rejections
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRejectSink forwards rejected rows to sink.
func WithRejectSink(sink RejectSink) Option {
	return func(p *Pipeline) { p.rejects = sink }
}

// WithClock replaces the real clock used for batch timings.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// Pipeline orchestrates the extract-transform-load loop.
type Pipeline struct {
	extractor   BatchExtractor
	transformer Transformer
	loader      BatchLoader
	rejects     RejectSink
	logger      *slog.Logger
	metrics     *observability.Metrics
	clock       clockwork.Clock
	ready       atomic.Bool
	batchSize   int

	mu    sync.Mutex
	stats Stats
}

// New creates a Pipeline with the given stages and observability.
func New(e BatchExtractor, t Transformer, l BatchLoader, logger *slog.Logger, metrics *observability.Metrics, batchSize int, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor:   e,
		transformer: t,
		loader:      l,
		logger:      logger,
		metrics:     metrics,
		clock:       clockwork.NewRealClock(),
		batchSize:   batchSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CheckReadiness returns nil if the pipeline has loaded at least one batch,
// or an error describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not loaded any rows yet")
	}
	return nil
}

// Stats returns the running totals.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Rejections.ByReason = make(map[domain.RejectReason]int, len(p.stats.Rejections.ByReason))
	for k, v := range p.stats.Rejections.ByReason {
		s.Rejections.ByReason[k] = v
	}
	return s
}

// Run executes the batch ETL loop until the context is cancelled or the
// source is exhausted. Extract and load failures are retried with backoff.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "batch_size", p.batchSize)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	// Exponential backoff: start at 200ms, double each retry, cap at 5s.
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("pipeline stopping", "reason", ctx.Err())
			return nil
		default:
		}

		rawBatch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
		exhausted := errors.Is(err, io.EOF)
		if err != nil && !exhausted {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("extract batch failed", "error", err)
			if !p.backoffOrStop(ctx, &backoff) {
				return nil
			}
			continue
		}

		// A failed load is retried with the same batch: its offsets are
		// uncommitted and the reader will not hand the messages out again.
		b := p.transformBatch(ctx, rawBatch)
		for {
			err := p.loadBatch(ctx, b)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("load batch failed", "error", err, "batch_size", len(rawBatch))
			if !p.backoffOrStop(ctx, &backoff) {
				return nil
			}
		}
		backoff = initialBackoff

		if exhausted {
			p.logger.Info("source exhausted", "loaded", p.Stats().Loaded)
			return nil
		}
	}
}

// Drain processes a finite source to the end and fails on the first extract
// or load error. It is used for file backfills.
func (p *Pipeline) Drain(ctx context.Context) (Stats, error) {
	for {
		rawBatch, err := p.extractor.ExtractBatch(ctx, p.batchSize)
		exhausted := errors.Is(err, io.EOF)
		if err != nil && !exhausted {
			return p.Stats(), fmt.Errorf("extract batch: %w", err)
		}
		if err := p.loadBatch(ctx, p.transformBatch(ctx, rawBatch)); err != nil {
			return p.Stats(), fmt.Errorf("load batch: %w", err)
		}
		if exhausted {
			return p.Stats(), nil
		}
	}
}

// batch is one extracted set of events after normalization.
type batch struct {
	raw     []domain.RawEvent
	records []domain.Record
	start   time.Time
}

// transformBatch normalizes each event, counts and publishes the rejections,
// and returns the records still to be loaded.
func (p *Pipeline) transformBatch(ctx context.Context, rawBatch []domain.RawEvent) batch {
	b := batch{raw: rawBatch, start: p.clock.Now()}
	if len(rawBatch) == 0 {
		return b
	}
	p.metrics.BatchSize.Observe(float64(len(rawBatch)))

	b.records = make([]domain.Record, 0, len(rawBatch))
	var rejected []domain.RejectedRow
	var tally domain.Rejections

	for _, raw := range rawBatch {
		rec, err := p.transformer.Transform(ctx, raw)
		if err != nil {
			row := p.reject(raw, err, &tally)
			rejected = append(rejected, row)
			p.metrics.RowsConsumed.WithLabelValues(row.Dataset).Inc()
			continue
		}
		b.records = append(b.records, rec)
		p.metrics.RowsConsumed.WithLabelValues(datasetOf(rec)).Inc()
	}

	if len(rejected) > 0 && p.rejects != nil {
		if err := p.rejects.PublishRejections(ctx, rejected); err != nil {
			p.logger.Error("publish rejections failed", "error", err, "count", len(rejected))
		}
	}

	p.mu.Lock()
	p.stats.Consumed += len(rawBatch)
	p.stats.Rejections.Total += tally.Total
	for reason, n := range tally.ByReason {
		if p.stats.Rejections.ByReason == nil {
			p.stats.Rejections.ByReason = make(map[domain.RejectReason]int)
		}
		p.stats.Rejections.ByReason[reason] += n
	}
	p.mu.Unlock()
	return b
}

// loadBatch loads the records and then commits every offset of the batch,
// rejected rows included. Offsets are left uncommitted when the load fails.
func (p *Pipeline) loadBatch(ctx context.Context, b batch) error {
	if len(b.records) > 0 {
		if err := p.loader.LoadBatch(ctx, b.records); err != nil {
			return err
		}
		for _, rec := range b.records {
			p.metrics.RowsLoaded.WithLabelValues(datasetOf(rec)).Inc()
		}
		p.metrics.BatchProcessingDuration.Observe(p.clock.Since(b.start).Seconds())
		p.ready.Store(true)
	}

	for _, raw := range b.raw {
		p.commitOffset(ctx, raw)
	}

	p.mu.Lock()
	p.stats.Loaded += len(b.records)
	p.mu.Unlock()
	return nil
}

// reject logs and counts a failed row. Errors that are not schema
// rejections are counted under reason "error".
func (p *Pipeline) reject(raw domain.RawEvent, err error, tally *domain.Rejections) domain.RejectedRow {
	row := domain.RejectedRow{
		Dataset: raw.Topic,
		Key:     raw.Key,
		Value:   raw.Value,
		Reason:  "error",
		Detail:  err.Error(),
	}
	var rej *domain.SchemaRejection
	if errors.As(err, &rej) {
		row.Dataset, row.Reason = rej.Dataset, rej.Reason
		tally.Add(err)
	}

	p.logger.Warn("row rejected",
		"error", err,
		"dataset", row.Dataset,
		"topic", raw.Topic,
		"partition", raw.Partition,
		"offset", raw.Offset,
	)
	p.metrics.RowsRejected.WithLabelValues(row.Dataset, string(row.Reason)).Inc()
	return row
}

// backoffOrStop sleeps with the current backoff and advances it. Returns
// false if the pipeline should stop.
func (p *Pipeline) backoffOrStop(ctx context.Context, backoff *time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if !sharedretry.SleepWithContext(ctx, *backoff) {
		return false
	}
	*backoff = sharedretry.NextBackoff(*backoff, maxBackoff)
	return true
}

// commitOffset commits the message offset if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, raw domain.RawEvent) {
	if raw.Commit == nil {
		return
	}
	if err := raw.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", raw.Topic, "partition", raw.Partition, "offset", raw.Offset)
	}
}

func datasetOf(rec domain.Record) string {
	if rec.Rent != nil {
		return domain.DatasetRent
	}
	return domain.DatasetCrime
}
