// Package service answers aggregate, series, summary and amenity queries
// over the current record store snapshot. Every aggregate is recomputed per
// call; nothing derived is persisted.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/rent-crime-etl/internal/amenity"
	"github.com/couchcryptid/rent-crime-etl/internal/domain"
	"github.com/couchcryptid/rent-crime-etl/internal/observability"
	"github.com/couchcryptid/rent-crime-etl/internal/store"
)

var (
	// ErrNotReady is returned while no crosswalk has been loaded.
	ErrNotReady = errors.New("crosswalk not loaded")

	// ErrUnknownGeoKey is wrapped in a *domain.GeoResolutionError when a
	// query names a key the crosswalk does not know.
	ErrUnknownGeoKey = errors.New("not in crosswalk")

	// ErrAmenitiesDisabled is returned when no amenity resolver is wired.
	ErrAmenitiesDisabled = errors.New("amenity lookups are not configured")
)

// RecordSource supplies consistent snapshots of the normalized records.
type RecordSource interface {
	Snapshot() store.Snapshot
}

// AmenityResolver answers proximity queries.
type AmenityResolver interface {
	Resolve(ctx context.Context, q amenity.Query) ([]amenity.Result, error)
}

// Service is safe for concurrent use.
type Service struct {
	records   RecordSource
	amenities AmenityResolver
	logger    *slog.Logger
	metrics   *observability.Metrics
	clock     clockwork.Clock
}

// New creates a Service. amenities may be nil to disable proximity lookups.
func New(records RecordSource, amenities AmenityResolver, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		records:   records,
		amenities: amenities,
		logger:    logger,
		metrics:   metrics,
		clock:     clock,
	}
}

// GetAggregates returns every bucket at granularity g within r, counting only
// the given categories (all when empty). Buckets are ordered by key and
// month.
func (s *Service) GetAggregates(ctx context.Context, g domain.Granularity, r domain.TimeRange, categories []domain.Category) ([]domain.AggregatedBucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, _, err := s.aggregate(g, r, categories)
	if err != nil {
		return nil, err
	}
	return res.Buckets, nil
}

// GetDangerRatioSeries returns the ratio-bearing buckets of one key over all
// available months. Months without a positive rent are omitted.
func (s *Service) GetDangerRatioSeries(ctx context.Context, geoKey string, g domain.Granularity) ([]domain.AggregatedBucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, key, err := s.aggregateKey(g, geoKey, domain.TimeRange{}, nil)
	if err != nil {
		return nil, err
	}
	return domain.DangerRatioSeries(res.Buckets, key), nil
}

// TopAreas ranks the keys at granularity g by their Danger Ratio over the
// window. n <= 0 returns every key.
func (s *Service) TopAreas(ctx context.Context, g domain.Granularity, r domain.TimeRange, categories []domain.Category, n int) ([]domain.KeyRatio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, _, err := s.aggregate(g, r, categories)
	if err != nil {
		return nil, err
	}
	return domain.TopByAverageRatio(res.Buckets, n), nil
}

// SummarizeZIP describes the most recent month in which zip has crimes or a
// rent: the rent, the apportioned incident count per category, and the
// ratio.
func (s *Service) SummarizeZIP(ctx context.Context, zip string) (domain.ZIPSummary, error) {
	if err := ctx.Err(); err != nil {
		return domain.ZIPSummary{}, err
	}
	res, key, err := s.aggregateKey(domain.GranularityZIP, zip, domain.TimeRange{}, nil)
	if err != nil {
		return domain.ZIPSummary{}, err
	}
	snap := s.records.Snapshot()

	summary := domain.ZIPSummary{
		ZIP:       key,
		Precincts: snap.Crosswalk.PrecinctsOf(key),
		Incidents: make(map[domain.Category]float64, len(domain.Categories)),
	}
	summary.Borough, _ = snap.Crosswalk.Borough(key)

	latest, ok := latestWithData(res.Buckets, key)
	if !ok {
		return summary, nil
	}
	summary.LatestMonth = latest.Month
	summary.MedianRent = latest.MedianRent
	summary.DangerRatio = latest.DangerRatio

	month := domain.TimeRange{From: latest.Month, To: latest.Month.AddDate(0, 1, 0)}
	for _, c := range domain.Categories {
		byCategory, _, err := s.aggregate(domain.GranularityZIP, month, []domain.Category{c})
		if err != nil {
			return domain.ZIPSummary{}, err
		}
		if b, ok := latestWithData(byCategory.Buckets, key); ok {
			summary.Incidents[c] = b.WeightedCount / c.Weight()
		} else {
			summary.Incidents[c] = 0
		}
	}
	return summary, nil
}

// ResolveAmenities looks up amenities near a ZIP.
func (s *Service) ResolveAmenities(ctx context.Context, q amenity.Query) ([]amenity.Result, error) {
	if s.amenities == nil {
		return nil, ErrAmenitiesDisabled
	}
	return s.amenities.Resolve(ctx, q)
}

func (s *Service) aggregate(g domain.Granularity, r domain.TimeRange, categories []domain.Category) (domain.AggregateResult, store.Snapshot, error) {
	snap := s.records.Snapshot()
	if snap.Crosswalk == nil {
		return domain.AggregateResult{}, snap, ErrNotReady
	}

	start := s.clock.Now()
	res, err := domain.Aggregate(domain.AggregateInput{
		Granularity: g,
		Range:       r,
		Categories:  categories,
		Crimes:      snap.Crimes,
		Rents:       snap.Rents,
		Crosswalk:   snap.Crosswalk,
	})
	if err != nil {
		return domain.AggregateResult{}, snap, fmt.Errorf("aggregate %s: %w", g, err)
	}

	s.metrics.AggregationDuration.WithLabelValues(string(g)).Observe(s.clock.Since(start).Seconds())
	s.metrics.UnresolvedRecords.WithLabelValues(string(g)).Set(float64(len(res.Unresolved)))
	if len(res.Unresolved) > 0 {
		s.logger.Debug("records left out of geo aggregates",
			"granularity", g, "unresolved", len(res.Unresolved), "snapshot_version", snap.Version)
	}
	return res, snap, nil
}

// aggregateKey validates key against the crosswalk and aggregates its
// granularity, returning the canonical key.
func (s *Service) aggregateKey(g domain.Granularity, key string, r domain.TimeRange, categories []domain.Category) (domain.AggregateResult, string, error) {
	if !g.Valid() {
		return domain.AggregateResult{}, "", fmt.Errorf("%w: %q", domain.ErrUnknownGranularity, g)
	}
	snap := s.records.Snapshot()
	if snap.Crosswalk == nil {
		return domain.AggregateResult{}, "", ErrNotReady
	}
	canonical, ok := snap.Crosswalk.CanonicalKey(g, key)
	if !ok {
		return domain.AggregateResult{}, "", &domain.GeoResolutionError{Kind: keyKind(g), Key: key, Err: ErrUnknownGeoKey}
	}

	res, _, err := s.aggregate(g, r, categories)
	if err != nil {
		return domain.AggregateResult{}, "", err
	}
	return res, canonical, nil
}

// latestWithData returns the last bucket of key that has crimes or a rent.
func latestWithData(buckets []domain.AggregatedBucket, key string) (domain.AggregatedBucket, bool) {
	var keyed []domain.AggregatedBucket
	for _, b := range buckets {
		if b.GeoKey == key && (b.WeightedCount > 0 || b.MedianRent != nil) {
			keyed = append(keyed, b)
		}
	}
	if len(keyed) == 0 {
		return domain.AggregatedBucket{}, false
	}
	sort.Slice(keyed, func(i, j int) bool { return keyed[i].Month.Before(keyed[j].Month) })
	return keyed[len(keyed)-1], true
}

func keyKind(g domain.Granularity) string {
	switch g {
	case domain.GranularityZIP:
		return domain.KeyZIP
	case domain.GranularityPrecinct:
		return domain.KeyPrecinct
	default:
		return string(g)
	}
}

// ParseCategories parses category labels, rejecting unknown ones.
func ParseCategories(labels []string) ([]domain.Category, error) {
	out := make([]domain.Category, 0, len(labels))
	for _, l := range labels {
		c, ok := domain.ParseCategory(l)
		if !ok {
			return nil, fmt.Errorf("unknown category %s", strconv.Quote(l))
		}
		out = append(out, c)
	}
	return out, nil
}
