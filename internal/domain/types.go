package domain

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Category is a normalized law category.
type Category string

const (
	Felony      Category = "FELONY"
	Misdemeanor Category = "MISDEMEANOR"
	Violation   Category = "VIOLATION"
)

// Categories lists every valid category in descending severity.
var Categories = []Category{Felony, Misdemeanor, Violation}

// Granularity is a level of geographic aggregation.
type Granularity string

const (
	GranularityZIP      Granularity = "zip"
	GranularityPrecinct Granularity = "precinct"
	GranularityBorough  Granularity = "borough"
	GranularityCity     Granularity = "city"
)

// CityKey is the geo key of the single citywide series.
const CityKey = "NYC"

// ParseGranularity accepts the granularity names case-insensitively.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(s))); g {
	case GranularityZIP, GranularityPrecinct, GranularityBorough, GranularityCity:
		return g, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownGranularity, s)
	}
}

// Valid reports whether g is one of the known granularities.
func (g Granularity) Valid() bool {
	_, err := ParseGranularity(string(g))
	return err == nil
}

// Point is a WGS-84 latitude/longitude pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// RawEvent is an unprocessed message from a source topic.
type RawEvent struct {
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Topic     string
	Partition int
	Offset    int64
	Timestamp time.Time
	Commit    func(ctx context.Context) error
}

// RawCrimeRow is one crime row as exported by NYC Open Data. Every field is
// kept as text; NormalizeCrimeRow does the typing.
type RawCrimeRow struct {
	ID        string `json:"cmplnt_num" csv:"cmplnt_num"`
	Date      string `json:"cmplnt_fr_dt" csv:"cmplnt_fr_dt"`
	Time      string `json:"cmplnt_fr_tm,omitempty" csv:"cmplnt_fr_tm"`
	Category  string `json:"law_cat_cd" csv:"law_cat_cd"`
	Precinct  string `json:"addr_pct_cd,omitempty" csv:"addr_pct_cd"`
	ZIP       string `json:"zip,omitempty" csv:"zip"`
	Latitude  string `json:"latitude,omitempty" csv:"latitude"`
	Longitude string `json:"longitude,omitempty" csv:"longitude"`
}

// RawRentRow is one median rent observation.
type RawRentRow struct {
	ZIP        string `json:"zip" csv:"zip"`
	Date       string `json:"date" csv:"date"`
	MedianRent string `json:"median_rent" csv:"median_rent"`
}

// GeoDescriptor is the geographic key a crime row arrived with. At least one
// field is set on a normalized record.
type GeoDescriptor struct {
	Precinct string `json:"precinct,omitempty"`
	ZIP      string `json:"zip,omitempty"`
	Point    *Point `json:"point,omitempty"`
}

// CrimeRecord is a normalized crime complaint.
type CrimeRecord struct {
	ID         string        `json:"id"`
	OccurredAt time.Time     `json:"occurred_at"`
	Category   Category      `json:"category"`
	Location   GeoDescriptor `json:"location"`
}

// RentSnapshot is a median rent observed for a ZIP at a point in time.
type RentSnapshot struct {
	ZIP        string    `json:"zip"`
	ObservedAt time.Time `json:"observed_at"`
	MedianRent float64   `json:"median_rent"`
}

// Record carries exactly one normalized row from either dataset.
type Record struct {
	Crime *CrimeRecord
	Rent  *RentSnapshot
}

// CrosswalkEntry is one row of the ZIP/precinct/borough reference table.
// Weight is the population (or area) of the ZIP/precinct overlap; zero means
// unknown. Centroid is the ZIP's representative point, if known.
type CrosswalkEntry struct {
	ZIP      string  `json:"zip"`
	Precinct string  `json:"precinct,omitempty"`
	Borough  string  `json:"borough"`
	Weight   float64 `json:"weight,omitempty"`
	Centroid *Point  `json:"centroid,omitempty"`
}

// Allocation is the share of one record's weight attributed to a single
// ZIP/precinct overlap.
type Allocation struct {
	ZIP      string
	Precinct string
	Borough  string
	Weight   float64
}

// Key returns the allocation's geo key at granularity g, or "" if the
// allocation has no key at that level.
func (a Allocation) Key(g Granularity) string {
	switch g {
	case GranularityZIP:
		return a.ZIP
	case GranularityPrecinct:
		return a.Precinct
	case GranularityBorough:
		return a.Borough
	case GranularityCity:
		return CityKey
	default:
		return ""
	}
}

// Exclusion explains why a bucket carries no Danger Ratio.
type Exclusion string

const (
	ExcludedNoRent          Exclusion = "rent_unavailable"
	ExcludedNonPositiveRent Exclusion = "rent_not_positive"
)

// AggregatedBucket is the derived (geo key, month) cell. It is recomputed
// for every query and never stored.
type AggregatedBucket struct {
	GeoKey        string      `json:"geo_key"`
	Granularity   Granularity `json:"granularity"`
	Month         time.Time   `json:"month"`
	WeightedCount float64     `json:"weighted_count"`
	MedianRent    *float64    `json:"median_rent,omitempty"`
	DangerRatio   *float64    `json:"danger_ratio,omitempty"`
	Excluded      Exclusion   `json:"excluded,omitempty"`
}

// HasRatio reports whether the bucket passed the rent > 0 precondition.
func (b AggregatedBucket) HasRatio() bool {
	return b.DangerRatio != nil
}

// ZIPSummary describes the latest month with data for one ZIP code.
type ZIPSummary struct {
	ZIP         string               `json:"zip"`
	Borough     string               `json:"borough"`
	Precincts   []string             `json:"precincts"`
	LatestMonth time.Time            `json:"latest_month"`
	MedianRent  *float64             `json:"median_rent,omitempty"`
	Incidents   map[Category]float64 `json:"incidents"`
	DangerRatio *float64             `json:"danger_ratio,omitempty"`
}

// RejectedRow is a source row that failed normalization, kept for the
// dead-letter topic.
type RejectedRow struct {
	Dataset string
	Key     []byte
	Value   []byte
	Reason  RejectReason
	Detail  string
}
