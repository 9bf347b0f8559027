package amenity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/couchcryptid/rent-crime-etl/internal/domain"
	"github.com/couchcryptid/rent-crime-etl/internal/observability"
)

var (
	errInvalidZIP      = errors.New("not a 5-digit ZIP code")
	errEmptyGeocode    = errors.New("geocoder returned no location")
	errNoPlacesService = errors.New("no places provider configured")
)

// Config tunes a Resolver. Zero values take the package defaults.
type Config struct {
	Categories        []string
	ExternalTimeout   time.Duration
	PlacesTTL         time.Duration
	PlacesCacheSize   int
	GeocodeCacheSize  int
	DefaultRadius     float64
	DefaultMaxResults int
}

// Resolver answers proximity queries. It owns the process-wide geocode and
// places caches and is safe for concurrent use.
type Resolver struct {
	geocoder Geocoder
	places   PlacesProvider
	distance DistanceProvider
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock

	categories    map[string]bool
	timeout       time.Duration
	defaultRadius float64
	defaultMax    int

	geoCache   *lruCache[domain.Point]
	placeCache *lruCache[[]Result]
	flights    singleflight.Group
}

// NewResolver wires a resolver. distance may be nil, in which case every
// result carries straight-line figures and DistanceUnavailable.
func NewResolver(geocoder Geocoder, places PlacesProvider, distance DistanceProvider, cfg Config, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Resolver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.ExternalTimeout <= 0 {
		cfg.ExternalTimeout = DefaultTimeout
	}
	if cfg.PlacesTTL <= 0 {
		cfg.PlacesTTL = DefaultPlacesTTL
	}
	if cfg.PlacesCacheSize <= 0 {
		cfg.PlacesCacheSize = 1000
	}
	if cfg.GeocodeCacheSize <= 0 {
		cfg.GeocodeCacheSize = 1000
	}
	if cfg.DefaultRadius <= 0 {
		cfg.DefaultRadius = DefaultRadiusMeters
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = DefaultCategories
	}

	categories := make(map[string]bool, len(cfg.Categories))
	for _, c := range cfg.Categories {
		categories[normalizeCategory(c)] = true
	}

	return &Resolver{
		geocoder:      geocoder,
		places:        places,
		distance:      distance,
		logger:        logger,
		metrics:       metrics,
		clock:         clock,
		categories:    categories,
		timeout:       cfg.ExternalTimeout,
		defaultRadius: cfg.DefaultRadius,
		defaultMax:    cfg.DefaultMaxResults,
		geoCache:      newLRUCache[domain.Point](cfg.GeocodeCacheSize, 0, clock),
		placeCache:    newLRUCache[[]Result](cfg.PlacesCacheSize, cfg.PlacesTTL, clock),
	}
}

// Resolve returns amenities near q.ZIP, nearest first and deduplicated by
// place. A ZIP that cannot be geocoded fails the whole lookup with a
// *domain.GeoResolutionError. A category whose places lookup fails is left
// out; a category whose distance lookup fails is returned with straight-line
// distances and DistanceUnavailable set.
func (r *Resolver) Resolve(ctx context.Context, q Query) ([]Result, error) {
	zip, ok := domain.NormalizeZIP(q.ZIP)
	if !ok {
		return nil, &domain.GeoResolutionError{Kind: domain.KeyZIP, Key: q.ZIP, Err: errInvalidZIP}
	}
	if q.RadiusMeters <= 0 {
		q.RadiusMeters = r.defaultRadius
	}
	if q.MaxResults == 0 {
		q.MaxResults = r.defaultMax
	}

	origin, err := r.geocode(ctx, zip)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &domain.GeoResolutionError{Kind: domain.KeyZIP, Key: zip, Err: err}
	}

	categories := r.requestedCategories(q.Categories)
	perCategory := make([][]Result, len(categories))

	g, gctx := errgroup.WithContext(ctx)
	for i, category := range categories {
		g.Go(func() error {
			results, err := r.lookup(gctx, zip, origin, category, q.RadiusMeters)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Warn("places lookup failed, skipping category",
					"zip", zip, "category", category, "error", err)
				return nil
			}
			perCategory[i] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []Result
	for _, results := range perCategory {
		all = append(all, results...)
	}
	return selectResults(all, q), nil
}

// requestedCategories normalizes, dedupes and validates the query's
// categories, logging and dropping unknown ones.
func (r *Resolver) requestedCategories(requested []string) []string {
	if len(requested) == 0 {
		requested = DefaultCategories
	}
	seen := make(map[string]bool, len(requested))
	out := make([]string, 0, len(requested))
	for _, c := range requested {
		c = normalizeCategory(c)
		if seen[c] {
			continue
		}
		seen[c] = true
		if !r.categories[c] {
			r.logger.Warn("unknown amenity category, skipping", "category", c)
			continue
		}
		out = append(out, c)
	}
	return out
}

// geocode resolves a ZIP through the indefinite geocode cache.
func (r *Resolver) geocode(ctx context.Context, zip string) (domain.Point, error) {
	if p, ok := r.geoCache.get(zip); ok {
		r.metrics.AmenityCache.WithLabelValues("geocode", "hit").Inc()
		return p, nil
	}
	r.metrics.AmenityCache.WithLabelValues("geocode", "miss").Inc()

	v, err := r.coalesce(ctx, "geocode", "geo|"+zip, func(fctx context.Context) (any, error) {
		if p, ok := r.geoCache.get(zip); ok {
			return p, nil
		}
		p, err := observe(r.clock, r.metrics, "geocode", func() (domain.Point, error) {
			return r.geocoder.GeocodeZIP(fctx, zip)
		})
		if err != nil {
			return nil, err
		}
		if p == (domain.Point{}) {
			return nil, errEmptyGeocode
		}
		r.geoCache.put(zip, p)
		return p, nil
	})
	if err != nil {
		return domain.Point{}, err
	}
	return v.(domain.Point), nil
}

// lookup returns the priced candidates of one category, from the places cache
// when fresh.
func (r *Resolver) lookup(ctx context.Context, zip string, origin domain.Point, category string, radius float64) ([]Result, error) {
	key := fmt.Sprintf("%s|%s|%d", zip, category, int(math.Round(radius)))
	if results, ok := r.placeCache.get(key); ok {
		r.metrics.AmenityCache.WithLabelValues("places", "hit").Inc()
		return results, nil
	}
	r.metrics.AmenityCache.WithLabelValues("places", "miss").Inc()

	v, err := r.coalesce(ctx, "places", key, func(fctx context.Context) (any, error) {
		if results, ok := r.placeCache.get(key); ok {
			return results, nil
		}
		results, cacheable, err := r.fetch(fctx, zip, origin, category, radius)
		if err != nil {
			return nil, err
		}
		if cacheable {
			r.placeCache.put(key, results)
		}
		return results, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Result), nil
}

// coalesce runs fn at most once per key at a time. The call is detached from
// the first caller's cancellation and bounded by the external timeout, so a
// caller that gives up does not fail the others waiting on the same key.
func (r *Resolver) coalesce(ctx context.Context, cache, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := r.flights.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return fn(fctx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			r.metrics.AmenityCoalesced.WithLabelValues(cache).Inc()
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// fetch queries places and prices them with one batched distance call. The
// returned flag is false when the distance step failed, so the degraded
// answer is not cached.
func (r *Resolver) fetch(ctx context.Context, zip string, origin domain.Point, category string, radius float64) ([]Result, bool, error) {
	if r.places == nil {
		return nil, false, errNoPlacesService
	}
	places, err := observe(r.clock, r.metrics, "places", func() ([]Place, error) {
		return r.places.NearbyPlaces(ctx, origin, category, radius)
	})
	if err != nil {
		return nil, false, fmt.Errorf("places %s: %w", category, err)
	}

	results := make([]Result, len(places))
	destinations := make([]domain.Point, len(places))
	for i, p := range places {
		straight := domain.DistanceMeters(origin, p.Location)
		results[i] = Result{
			ZIP:                 zip,
			Category:            category,
			PlaceID:             p.ID,
			Name:                p.Name,
			Location:            p.Location,
			StraightLineMeters:  straight,
			WalkingMeters:       straight,
			WalkingTime:         estimateWalk(straight),
			DistanceUnavailable: true,
		}
		destinations[i] = p.Location
	}
	if len(results) == 0 || r.distance == nil {
		return results, true, nil
	}

	distances, err := observe(r.clock, r.metrics, "distance", func() ([]Distance, error) {
		return r.distance.WalkingDistances(ctx, origin, destinations)
	})
	if err == nil && len(distances) != len(destinations) {
		err = fmt.Errorf("distance service returned %d rows for %d destinations", len(distances), len(destinations))
	}
	if err != nil {
		r.metrics.DistanceDegraded.Inc()
		r.logger.Warn("walking distance unavailable, using straight-line distance",
			"zip", zip, "category", category, "error", err)
		return results, false, nil
	}

	for i, d := range distances {
		if !d.OK {
			continue
		}
		results[i].WalkingMeters = d.Meters
		results[i].WalkingTime = d.Duration
		results[i].DistanceUnavailable = false
	}
	return results, true, nil
}

// selectResults filters to the radius and walk limit, sorts nearest first,
// drops repeated places and truncates.
func selectResults(candidates []Result, q Query) []Result {
	out := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		if c.metric() > q.RadiusMeters {
			continue
		}
		if q.MaxWalk > 0 && c.WalkingTime > q.MaxWalk {
			continue
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if mi, mj := out[i].metric(), out[j].metric(); mi != mj {
			return mi < mj
		}
		if out[i].PlaceID != out[j].PlaceID {
			return out[i].PlaceID < out[j].PlaceID
		}
		return out[i].Category < out[j].Category
	})

	seen := make(map[string]bool, len(out))
	deduped := out[:0]
	for _, c := range out {
		id := c.PlaceID
		if id == "" {
			id = fmt.Sprintf("%s@%.6f,%.6f", c.Name, c.Location.Lat, c.Location.Lon)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		deduped = append(deduped, c)
	}

	if q.MaxResults > 0 && len(deduped) > q.MaxResults {
		deduped = deduped[:q.MaxResults]
	}
	return deduped
}

// observe times one external call and records its outcome.
func observe[T any](clock clockwork.Clock, m *observability.Metrics, service string, call func() (T, error)) (T, error) {
	start := clock.Now()
	v, err := call()
	m.ExternalDuration.WithLabelValues(service).Observe(clock.Since(start).Seconds())
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.ExternalRequests.WithLabelValues(service, outcome).Inc()
	return v, err
}

func normalizeCategory(c string) string {
	return strings.ToLower(strings.TrimSpace(c))
}
