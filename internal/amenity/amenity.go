// Package amenity finds points of interest near a ZIP code and reports how
// far they are on foot.
//
// A lookup geocodes the ZIP, asks a places provider for candidates per
// category, and prices every candidate with one batched walking-distance
// call. Both steps are cached and concurrent identical lookups share a
// single external request.
package amenity

import (
	"context"
	"time"

	"github.com/couchcryptid/rent-crime-etl/internal/domain"
)

// Default lookup parameters.
const (
	DefaultRadiusMeters = 2000.0
	DefaultTimeout      = 10 * time.Second
	DefaultPlacesTTL    = 24 * time.Hour

	// walkingSpeed estimates walking time when no distance service answered.
	walkingSpeed = 1.4 // m/s
)

// DefaultCategories are the place types looked up when a query names none.
var DefaultCategories = []string{
	"supermarket",
	"hospital",
	"subway_station",
	"park",
	"school",
	"library",
}

// Geocoder resolves a ZIP code to a representative coordinate.
type Geocoder interface {
	GeocodeZIP(ctx context.Context, zip string) (domain.Point, error)
}

// PlacesProvider lists candidate places of one category around a point.
type PlacesProvider interface {
	NearbyPlaces(ctx context.Context, origin domain.Point, category string, radiusMeters float64) ([]Place, error)
}

// DistanceProvider prices walking trips from origin to every destination in
// as few external calls as the service allows. The result is index-aligned
// with destinations.
type DistanceProvider interface {
	WalkingDistances(ctx context.Context, origin domain.Point, destinations []domain.Point) ([]Distance, error)
}

// Place is a candidate point of interest.
type Place struct {
	ID       string
	Name     string
	Location domain.Point
}

// Distance is one walking-trip estimate. OK is false when the service could
// not route to that destination.
type Distance struct {
	Meters   float64
	Duration time.Duration
	OK       bool
}

// Query is one proximity lookup.
type Query struct {
	ZIP          string
	Categories   []string
	RadiusMeters float64
	// MaxResults truncates the merged result list. Zero or less keeps all.
	MaxResults int
	// MaxWalk drops places farther than this walking time. Zero disables it.
	MaxWalk time.Duration
}

// Result is one amenity near a ZIP. When DistanceUnavailable is set the
// walking figures are straight-line estimates.
type Result struct {
	ZIP                 string        `json:"zip"`
	Category            string        `json:"category"`
	PlaceID             string        `json:"place_id"`
	Name                string        `json:"name"`
	Location            domain.Point  `json:"location"`
	StraightLineMeters  float64       `json:"straight_line_meters"`
	WalkingMeters       float64       `json:"walking_meters"`
	WalkingTime         time.Duration `json:"walking_time"`
	DistanceUnavailable bool          `json:"distance_unavailable,omitempty"`
}

// metric is the distance results are filtered and sorted by.
func (r Result) metric() float64 {
	if r.DistanceUnavailable {
		return r.StraightLineMeters
	}
	return r.WalkingMeters
}

func estimateWalk(meters float64) time.Duration {
	return time.Duration(meters / walkingSpeed * float64(time.Second))
}
