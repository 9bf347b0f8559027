package domain

import (
	"errors"
	"fmt"
	"sort"
)

// Dataset names used in rejections and metrics.
const (
	DatasetCrime = "crime"
	DatasetRent  = "rent"
)

var (
	// ErrUnknownGranularity is returned for a granularity outside zip,
	// precinct, borough and city.
	ErrUnknownGranularity = errors.New("unknown granularity")

	// ErrDivisionPrecondition marks a bucket whose rent is missing or not
	// positive. It never reaches callers of Aggregate; the bucket simply
	// carries no ratio.
	ErrDivisionPrecondition = errors.New("median rent must be positive")

	errUnknownKey         = errors.New("not in crosswalk")
	errNoDescriptor       = errors.New("record has no geographic descriptor")
	errNoNearbyCentroid   = errors.New("no ZIP centroid within range")
	errConflictingBorough = errors.New("ZIP maps to more than one borough")
)

// RejectReason classifies a schema rejection.
type RejectReason string

const (
	RejectMalformed        RejectReason = "malformed"
	RejectUnknownDataset   RejectReason = "unknown_dataset"
	RejectMissingCategory  RejectReason = "missing_category"
	RejectUnknownCategory  RejectReason = "unknown_category"
	RejectMissingTimestamp RejectReason = "missing_timestamp"
	RejectInvalidTimestamp RejectReason = "invalid_timestamp"
	RejectMissingLocation  RejectReason = "missing_location"
	RejectInvalidLocation  RejectReason = "invalid_location"
	RejectMissingZIP       RejectReason = "missing_zip"
	RejectInvalidZIP       RejectReason = "invalid_zip"
	RejectMissingRent      RejectReason = "missing_rent"
	RejectInvalidRent      RejectReason = "invalid_rent"
)

// SchemaRejection is a row-level normalization failure. It is counted and
// the row dropped; it never fails a batch.
type SchemaRejection struct {
	Dataset string
	RowID   string
	Field   string
	Reason  RejectReason
	Value   string
}

func (e *SchemaRejection) Error() string {
	id := e.RowID
	if id == "" {
		id = "<no id>"
	}
	if e.Value == "" {
		return fmt.Sprintf("%s row %s rejected: %s (%s)", e.Dataset, id, e.Reason, e.Field)
	}
	return fmt.Sprintf("%s row %s rejected: %s (%s=%q)", e.Dataset, id, e.Reason, e.Field, e.Value)
}

// Geo key kinds reported by GeoResolutionError.
const (
	KeyZIP        = "zip"
	KeyPrecinct   = "precinct"
	KeyCoordinate = "coordinate"
	KeyRecord     = "record"
)

// GeoResolutionError reports a ZIP, precinct or coordinate that could not be
// placed on the crosswalk or geocoded.
type GeoResolutionError struct {
	Kind string
	Key  string
	Err  error
}

func (e *GeoResolutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("resolve %s %q", e.Kind, e.Key)
	}
	return fmt.Sprintf("resolve %s %q: %v", e.Kind, e.Key, e.Err)
}

func (e *GeoResolutionError) Unwrap() error { return e.Err }

// IsGeoResolution reports whether err is (or wraps) a GeoResolutionError.
func IsGeoResolution(err error) bool {
	var geoErr *GeoResolutionError
	return errors.As(err, &geoErr)
}

// Rejections tallies schema rejections by reason.
type Rejections struct {
	Total    int
	ByReason map[RejectReason]int
}

// Add records err if it is a SchemaRejection and reports whether it was one.
func (r *Rejections) Add(err error) bool {
	var rej *SchemaRejection
	if !errors.As(err, &rej) {
		return false
	}
	if r.ByReason == nil {
		r.ByReason = make(map[RejectReason]int)
	}
	r.Total++
	r.ByReason[rej.Reason]++
	return true
}

// Reasons returns the recorded reasons in a stable order.
func (r Rejections) Reasons() []RejectReason {
	out := make([]RejectReason, 0, len(r.ByReason))
	for reason := range r.ByReason {
		out = append(out, reason)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
