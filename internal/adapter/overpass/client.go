// Package overpass looks up amenities in OpenStreetMap through an Overpass
// API endpoint. It needs no API key and serves as the places provider when
// Google Maps is not configured.
package overpass

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/serjvanilla/go-overpass"
	"golang.org/x/time/rate"

	"github.com/couchcryptid/rent-crime-etl/internal/amenity"
	"github.com/couchcryptid/rent-crime-etl/internal/domain"
)

// DefaultEndpoint is the public Overpass instance.
const DefaultEndpoint = "https://overpass-api.de/api/interpreter"

// tagFilters maps amenity categories to OSM tag selectors.
var tagFilters = map[string]string{
	"supermarket":    `["shop"="supermarket"]`,
	"hospital":       `["amenity"="hospital"]`,
	"subway_station": `["railway"="station"]["station"="subway"]`,
	"park":           `["leisure"="park"]`,
	"school":         `["amenity"="school"]`,
	"library":        `["amenity"="library"]`,
	"pharmacy":       `["amenity"="pharmacy"]`,
}

// Categories lists the categories this provider can answer.
func Categories() []string {
	out := make([]string, 0, len(tagFilters))
	for c := range tagFilters {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Client implements amenity.PlacesProvider.
type Client struct {
	client  overpass.Client
	limiter *rate.Limiter
}

// NewClient creates an Overpass client. requestsPerSecond throttles outgoing
// queries; public instances ban clients that exceed a few per second.
func NewClient(endpoint string, timeout time.Duration, requestsPerSecond float64) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	httpClient := &http.Client{Timeout: timeout}
	return &Client{
		client:  overpass.NewWithSettings(endpoint, 2, httpClient),
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// NearbyPlaces returns the named nodes and ways of a category within radius.
// Ways are placed at the centroid of their nodes.
func (c *Client) NearbyPlaces(ctx context.Context, origin domain.Point, category string, radiusMeters float64) ([]amenity.Place, error) {
	filter, ok := tagFilters[category]
	if !ok {
		return nil, fmt.Errorf("overpass: unsupported category %q", category)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("overpass rate limit: %w", err)
	}

	result, err := c.query(ctx, buildQuery(filter, origin, radiusMeters))
	if err != nil {
		return nil, err
	}
	return toPlaces(result), nil
}

// query runs the blocking library call in a goroutine so the caller's
// deadline is honored.
func (c *Client) query(ctx context.Context, q string) (overpass.Result, error) {
	type answer struct {
		result overpass.Result
		err    error
	}
	ch := make(chan answer, 1)
	go func() {
		r, err := c.client.Query(q)
		ch <- answer{r, err}
	}()

	select {
	case a := <-ch:
		if a.err != nil {
			return overpass.Result{}, fmt.Errorf("overpass query failed: %w", a.err)
		}
		return a.result, nil
	case <-ctx.Done():
		return overpass.Result{}, ctx.Err()
	}
}

func buildQuery(filter string, origin domain.Point, radiusMeters float64) string {
	around := fmt.Sprintf("(around:%d,%s,%s)",
		int(radiusMeters),
		strconv.FormatFloat(origin.Lat, 'f', 6, 64),
		strconv.FormatFloat(origin.Lon, 'f', 6, 64))

	var b strings.Builder
	b.WriteString("[out:json];\n(\n")
	fmt.Fprintf(&b, "  node%s%s;\n", filter, around)
	fmt.Fprintf(&b, "  way%s%s;\n", filter, around)
	b.WriteString(");\nout body;\n>;\nout skel qt;\n")
	return b.String()
}

func toPlaces(result overpass.Result) []amenity.Place {
	var places []amenity.Place

	for _, node := range result.Nodes {
		// Untagged nodes are way members pulled in by "out skel".
		if len(node.Tags) == 0 {
			continue
		}
		places = append(places, amenity.Place{
			ID:       "node/" + strconv.FormatInt(node.ID, 10),
			Name:     node.Tags["name"],
			Location: domain.Point{Lat: node.Lat, Lon: node.Lon},
		})
	}

	for _, way := range result.Ways {
		var lat, lon float64
		count := 0
		for _, node := range way.Nodes {
			if node == nil {
				continue
			}
			lat += node.Lat
			lon += node.Lon
			count++
		}
		if count == 0 {
			continue
		}
		places = append(places, amenity.Place{
			ID:       "way/" + strconv.FormatInt(way.ID, 10),
			Name:     way.Tags["name"],
			Location: domain.Point{Lat: lat / float64(count), Lon: lon / float64(count)},
		})
	}

	sort.Slice(places, func(i, j int) bool { return places[i].ID < places[j].ID })
	return places
}
