package amenity

import (
	"context"
	"errors"
	"fmt"

	"github.com/couchcryptid/rent-crime-etl/internal/domain"
)

// ErrNoCentroid is returned when the crosswalk has no centroid for a ZIP.
var ErrNoCentroid = errors.New("no centroid for ZIP")

// CentroidGeocoder answers from the centroids carried by the crosswalk, with
// no external call.
type CentroidGeocoder struct {
	crosswalk *domain.Crosswalk
}

// NewCentroidGeocoder wraps a crosswalk.
func NewCentroidGeocoder(cw *domain.Crosswalk) *CentroidGeocoder {
	return &CentroidGeocoder{crosswalk: cw}
}

func (g *CentroidGeocoder) GeocodeZIP(_ context.Context, zip string) (domain.Point, error) {
	p, ok := g.crosswalk.Centroid(zip)
	if !ok {
		return domain.Point{}, fmt.Errorf("%w %s", ErrNoCentroid, zip)
	}
	return p, nil
}

// FallbackGeocoder tries each geocoder in order and returns the first
// answer. If all fail, the joined errors are returned.
type FallbackGeocoder struct {
	geocoders []Geocoder
}

// NewFallbackGeocoder chains geocoders. Nil entries are ignored.
func NewFallbackGeocoder(geocoders ...Geocoder) *FallbackGeocoder {
	f := &FallbackGeocoder{}
	for _, g := range geocoders {
		if g != nil {
			f.geocoders = append(f.geocoders, g)
		}
	}
	return f
}

func (f *FallbackGeocoder) GeocodeZIP(ctx context.Context, zip string) (domain.Point, error) {
	var errs []error
	for i, g := range f.geocoders {
		p, err := g.GeocodeZIP(ctx, zip)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return domain.Point{}, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("geocoder #%d: %w", i, err))
	}
	if len(errs) == 0 {
		return domain.Point{}, errors.New("no geocoder configured")
	}
	return domain.Point{}, errors.Join(errs...)
}
