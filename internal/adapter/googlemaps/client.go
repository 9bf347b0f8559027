// Package googlemaps adapts the Google Maps Geocoding, Places and Distance
// Matrix APIs to the amenity resolver.
package googlemaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"googlemaps.github.io/maps"

	"github.com/couchcryptid/rent-crime-etl/internal/amenity"
	"github.com/couchcryptid/rent-crime-etl/internal/domain"
)

// maxDestinations is the Distance Matrix limit per request.
const maxDestinations = 25

// ErrNoResults is returned when a ZIP geocodes to nothing.
var ErrNoResults = errors.New("ZERO_RESULTS")

// Client implements amenity.Geocoder, amenity.PlacesProvider and
// amenity.DistanceProvider.
type Client struct {
	maps   *maps.Client
	logger *slog.Logger
}

// NewClient creates a Google Maps client. Extra options (a base URL for
// tests, a rate limit) are passed through to the maps library.
func NewClient(apiKey string, timeout time.Duration, logger *slog.Logger, opts ...maps.ClientOption) (*Client, error) {
	opts = append([]maps.ClientOption{
		maps.WithAPIKey(apiKey),
		maps.WithHTTPClient(&http.Client{Timeout: timeout}),
	}, opts...)

	c, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create maps client: %w", err)
	}
	return &Client{maps: c, logger: logger}, nil
}

// GeocodeZIP resolves a US ZIP code to the center of its postal area.
func (c *Client) GeocodeZIP(ctx context.Context, zip string) (domain.Point, error) {
	results, err := c.maps.Geocode(ctx, &maps.GeocodingRequest{
		Components: map[maps.Component]string{
			maps.ComponentPostalCode: zip,
			maps.ComponentCountry:    "US",
		},
	})
	if err != nil {
		return domain.Point{}, fmt.Errorf("geocode %s: %w", zip, err)
	}
	if len(results) == 0 {
		return domain.Point{}, fmt.Errorf("geocode %s: %w", zip, ErrNoResults)
	}

	loc := results[0].Geometry.Location
	return domain.Point{Lat: loc.Lat, Lon: loc.Lng}, nil
}

// NearbyPlaces runs a Places Nearby Search for one place type.
func (c *Client) NearbyPlaces(ctx context.Context, origin domain.Point, category string, radiusMeters float64) ([]amenity.Place, error) {
	resp, err := c.maps.NearbySearch(ctx, &maps.NearbySearchRequest{
		Location: latLng(origin),
		Radius:   uint(math.Ceil(radiusMeters)),
		Type:     maps.PlaceType(category),
	})
	if err != nil {
		return nil, fmt.Errorf("nearby search %s: %w", category, err)
	}

	places := make([]amenity.Place, 0, len(resp.Results))
	for _, r := range resp.Results {
		places = append(places, amenity.Place{
			ID:       r.PlaceID,
			Name:     r.Name,
			Location: domain.Point{Lat: r.Geometry.Location.Lat, Lon: r.Geometry.Location.Lng},
		})
	}
	return places, nil
}

// WalkingDistances prices every destination from origin on foot. Up to 25
// destinations go in a single Distance Matrix request.
func (c *Client) WalkingDistances(ctx context.Context, origin domain.Point, destinations []domain.Point) ([]amenity.Distance, error) {
	out := make([]amenity.Distance, 0, len(destinations))
	for start := 0; start < len(destinations); start += maxDestinations {
		end := min(start+maxDestinations, len(destinations))
		chunk, err := c.distanceChunk(ctx, origin, destinations[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

func (c *Client) distanceChunk(ctx context.Context, origin domain.Point, destinations []domain.Point) ([]amenity.Distance, error) {
	dest := make([]string, len(destinations))
	for i, d := range destinations {
		dest[i] = latLng(d).String()
	}

	resp, err := c.maps.DistanceMatrix(ctx, &maps.DistanceMatrixRequest{
		Origins:      []string{latLng(origin).String()},
		Destinations: dest,
		Mode:         maps.TravelModeWalking,
		Units:        maps.UnitsMetric,
	})
	if err != nil {
		return nil, fmt.Errorf("distance matrix: %w", err)
	}
	if len(resp.Rows) != 1 || len(resp.Rows[0].Elements) != len(destinations) {
		return nil, fmt.Errorf("distance matrix: unexpected shape for %d destinations", len(destinations))
	}

	out := make([]amenity.Distance, len(destinations))
	for i, el := range resp.Rows[0].Elements {
		if el == nil || el.Status != "OK" {
			status := "missing"
			if el != nil {
				status = el.Status
			}
			c.logger.Debug("destination not routable", "destination", dest[i], "status", status)
			continue
		}
		out[i] = amenity.Distance{
			Meters:   float64(el.Distance.Meters),
			Duration: el.Duration,
			OK:       true,
		}
	}
	return out, nil
}

func latLng(p domain.Point) *maps.LatLng {
	return &maps.LatLng{Lat: p.Lat, Lng: p.Lon}
}
