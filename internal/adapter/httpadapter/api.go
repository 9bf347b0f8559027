package httpadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/rent-crime-etl/internal/amenity"
	"github.com/couchcryptid/rent-crime-etl/internal/domain"
	"github.com/couchcryptid/rent-crime-etl/internal/service"
)

// QueryService is the read side the API serves.
type QueryService interface {
	GetAggregates(ctx context.Context, g domain.Granularity, r domain.TimeRange, categories []domain.Category) ([]domain.AggregatedBucket, error)
	GetDangerRatioSeries(ctx context.Context, geoKey string, g domain.Granularity) ([]domain.AggregatedBucket, error)
	TopAreas(ctx context.Context, g domain.Granularity, r domain.TimeRange, categories []domain.Category, n int) ([]domain.KeyRatio, error)
	SummarizeZIP(ctx context.Context, zip string) (domain.ZIPSummary, error)
	ResolveAmenities(ctx context.Context, q amenity.Query) ([]amenity.Result, error)
}

const defaultTopN = 10

// monthLayouts are accepted for the from and to parameters.
var monthLayouts = []string{"2006-01", "2006-01-02", time.RFC3339}

// badRequest marks a malformed query parameter.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }

func badParam(name, value string) error {
	return badRequest{msg: fmt.Sprintf("invalid %s %q", name, value)}
}

type handlers struct {
	api    QueryService
	logger *slog.Logger
}

type aggregatesResponse struct {
	Granularity domain.Granularity        `json:"granularity"`
	Buckets     []domain.AggregatedBucket `json:"buckets"`
}

type seriesResponse struct {
	Granularity domain.Granularity        `json:"granularity"`
	GeoKey      string                    `json:"geo_key"`
	Points      []domain.AggregatedBucket `json:"points"`
}

type topResponse struct {
	Granularity domain.Granularity `json:"granularity"`
	Areas       []domain.KeyRatio  `json:"areas"`
}

type amenitiesResponse struct {
	ZIP     string           `json:"zip"`
	Results []amenity.Result `json:"results"`
}

func (h *handlers) aggregates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	g, rng, cats, err := parseWindow(q.Get("granularity"), q.Get("from"), q.Get("to"), q["category"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	buckets, err := h.api.GetAggregates(r.Context(), g, rng, cats)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, aggregatesResponse{Granularity: g, Buckets: nonNil(buckets)})
}

func (h *handlers) series(w http.ResponseWriter, r *http.Request) {
	g, err := domain.ParseGranularity(r.PathValue("granularity"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	key := r.PathValue("key")
	points, err := h.api.GetDangerRatioSeries(r.Context(), key, g)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, seriesResponse{Granularity: g, GeoKey: key, Points: nonNil(points)})
}

func (h *handlers) top(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	g, rng, cats, err := parseWindow(q.Get("granularity"), q.Get("from"), q.Get("to"), q["category"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	n := defaultTopN
	if v := q.Get("n"); v != "" {
		if n, err = strconv.Atoi(v); err != nil || n < 0 {
			h.writeError(w, r, badParam("n", v))
			return
		}
	}
	areas, err := h.api.TopAreas(r.Context(), g, rng, cats, n)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, topResponse{Granularity: g, Areas: nonNil(areas)})
}

func (h *handlers) zipSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.api.SummarizeZIP(r.Context(), r.PathValue("zip"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, summary)
}

func (h *handlers) amenities(w http.ResponseWriter, r *http.Request) {
	query, err := parseAmenityQuery(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	results, err := h.api.ResolveAmenities(r.Context(), query)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, amenitiesResponse{ZIP: query.ZIP, Results: nonNil(results)})
}

func parseAmenityQuery(r *http.Request) (amenity.Query, error) {
	q := r.URL.Query()
	query := amenity.Query{ZIP: q.Get("zip"), Categories: splitList(q["category"])}
	if query.ZIP == "" {
		return amenity.Query{}, badRequest{msg: "zip is required"}
	}
	if v := q.Get("radius"); v != "" {
		radius, err := strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 {
			return amenity.Query{}, badParam("radius", v)
		}
		query.RadiusMeters = radius
	}
	if v := q.Get("max_results"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return amenity.Query{}, badParam("max_results", v)
		}
		query.MaxResults = n
	}
	if v := q.Get("max_walk"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return amenity.Query{}, badParam("max_walk", v)
		}
		query.MaxWalk = d
	}
	return query, nil
}

// parseWindow reads the granularity, month window and category filter shared
// by the aggregate endpoints. to names the last month included.
func parseWindow(granularity, from, to string, categories []string) (domain.Granularity, domain.TimeRange, []domain.Category, error) {
	if granularity == "" {
		granularity = string(domain.GranularityZIP)
	}
	g, err := domain.ParseGranularity(granularity)
	if err != nil {
		return "", domain.TimeRange{}, nil, err
	}

	var rng domain.TimeRange
	if from != "" {
		t, ok := parseMonth(from)
		if !ok {
			return "", domain.TimeRange{}, nil, badParam("from", from)
		}
		rng.From = domain.MonthOf(t)
	}
	if to != "" {
		t, ok := parseMonth(to)
		if !ok {
			return "", domain.TimeRange{}, nil, badParam("to", to)
		}
		rng.To = domain.MonthOf(t).AddDate(0, 1, 0)
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && !rng.From.Before(rng.To) {
		return "", domain.TimeRange{}, nil, badRequest{msg: "from must not be after to"}
	}

	cats, err := service.ParseCategories(splitList(categories))
	if err != nil {
		return "", domain.TimeRange{}, nil, badRequest{msg: err.Error()}
	}
	return g, rng, cats, nil
}

func parseMonth(s string) (time.Time, bool) {
	for _, layout := range monthLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// splitList accepts both repeated parameters and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	sharedobs.WriteJSON(w, status, map[string]string{"error": err.Error()})
}

func statusOf(err error) int {
	var bad badRequest
	switch {
	case errors.As(err, &bad), errors.Is(err, domain.ErrUnknownGranularity):
		return http.StatusBadRequest
	case domain.IsGeoResolution(err):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrAmenitiesDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
