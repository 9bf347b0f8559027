package domain

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// DefaultMaxCentroidDistanceKm bounds how far a coordinate may be from the
// nearest ZIP centroid and still be assigned to it.
const DefaultMaxCentroidDistanceKm = 3.0

// Crosswalk is the static ZIP/precinct/borough reference table. It is
// immutable after construction and safe for concurrent use.
type Crosswalk struct {
	entries    []CrosswalkEntry
	borough    map[string]string
	byZIP      map[string][]CrosswalkEntry
	byPrecinct map[string][]CrosswalkEntry
	zipWeight  map[string]float64
	centroids  map[string]Point

	zips      []string
	precincts []string
	boroughs  []string

	maxCentroidKm float64
}

// CrosswalkOption configures a Crosswalk.
type CrosswalkOption func(*Crosswalk)

// WithMaxCentroidDistance sets the coordinate-to-centroid cutoff in km.
func WithMaxCentroidDistance(km float64) CrosswalkOption {
	return func(c *Crosswalk) {
		if km > 0 {
			c.maxCentroidKm = km
		}
	}
}

// NewCrosswalk validates and indexes the reference table. ZIPs and precincts
// are normalized; rows repeating a ZIP/precinct pair have their weights
// summed. A ZIP listed under two boroughs is rejected.
func NewCrosswalk(rows []CrosswalkEntry, opts ...CrosswalkOption) (*Crosswalk, error) {
	c := &Crosswalk{
		borough:       make(map[string]string),
		byZIP:         make(map[string][]CrosswalkEntry),
		byPrecinct:    make(map[string][]CrosswalkEntry),
		zipWeight:     make(map[string]float64),
		centroids:     make(map[string]Point),
		maxCentroidKm: DefaultMaxCentroidDistanceKm,
	}
	for _, opt := range opts {
		opt(c)
	}

	type pair struct{ zip, precinct string }
	merged := make(map[pair]int)

	for i, row := range rows {
		zip, ok := NormalizeZIP(row.ZIP)
		if !ok {
			return nil, fmt.Errorf("crosswalk row %d: invalid ZIP %q", i, row.ZIP)
		}
		precinct := ""
		if strings.TrimSpace(row.Precinct) != "" {
			if precinct, ok = NormalizePrecinct(row.Precinct); !ok {
				return nil, fmt.Errorf("crosswalk row %d: invalid precinct %q", i, row.Precinct)
			}
		}
		borough := strings.TrimSpace(row.Borough)
		if borough == "" {
			return nil, fmt.Errorf("crosswalk row %d: ZIP %s has no borough", i, zip)
		}
		if row.Weight < 0 || math.IsNaN(row.Weight) || math.IsInf(row.Weight, 0) {
			return nil, fmt.Errorf("crosswalk row %d: invalid weight %v", i, row.Weight)
		}

		if prev, ok := c.borough[zip]; ok && !strings.EqualFold(prev, borough) {
			return nil, &GeoResolutionError{Kind: KeyZIP, Key: zip, Err: fmt.Errorf("%w: %s and %s", errConflictingBorough, prev, borough)}
		}
		if _, ok := c.borough[zip]; !ok {
			c.borough[zip] = borough
		}
		if row.Centroid != nil {
			if _, ok := c.centroids[zip]; !ok {
				c.centroids[zip] = *row.Centroid
			}
		}

		key := pair{zip, precinct}
		if idx, ok := merged[key]; ok {
			c.entries[idx].Weight += row.Weight
			continue
		}
		merged[key] = len(c.entries)
		c.entries = append(c.entries, CrosswalkEntry{
			ZIP:      zip,
			Precinct: precinct,
			Borough:  c.borough[zip],
			Weight:   row.Weight,
		})
	}

	sort.Slice(c.entries, func(i, j int) bool {
		if c.entries[i].ZIP != c.entries[j].ZIP {
			return c.entries[i].ZIP < c.entries[j].ZIP
		}
		return precinctLess(c.entries[i].Precinct, c.entries[j].Precinct)
	})

	boroughs := make(map[string]struct{})
	for i := range c.entries {
		e := c.entries[i]
		if centroid, ok := c.centroids[e.ZIP]; ok {
			e.Centroid = &centroid
			c.entries[i] = e
		}
		c.byZIP[e.ZIP] = append(c.byZIP[e.ZIP], e)
		if e.Precinct != "" {
			c.byPrecinct[e.Precinct] = append(c.byPrecinct[e.Precinct], e)
		}
		c.zipWeight[e.ZIP] += e.Weight
		boroughs[e.Borough] = struct{}{}
	}

	for zip := range c.byZIP {
		c.zips = append(c.zips, zip)
	}
	sort.Strings(c.zips)
	for p := range c.byPrecinct {
		c.precincts = append(c.precincts, p)
	}
	sort.Slice(c.precincts, func(i, j int) bool { return precinctLess(c.precincts[i], c.precincts[j]) })
	for b := range boroughs {
		c.boroughs = append(c.boroughs, b)
	}
	sort.Strings(c.boroughs)

	return c, nil
}

// Borough returns the borough a ZIP belongs to.
func (c *Crosswalk) Borough(zip string) (string, bool) {
	b, ok := c.borough[zip]
	return b, ok
}

// ZIPs returns every ZIP in the table, sorted.
func (c *Crosswalk) ZIPs() []string { return append([]string(nil), c.zips...) }

// Precincts returns every precinct in numeric order.
func (c *Crosswalk) Precincts() []string { return append([]string(nil), c.precincts...) }

// Boroughs returns every borough, sorted.
func (c *Crosswalk) Boroughs() []string { return append([]string(nil), c.boroughs...) }

// PrecinctsOf returns the precincts overlapping a ZIP.
func (c *Crosswalk) PrecinctsOf(zip string) []string {
	var out []string
	for _, e := range c.byZIP[zip] {
		if e.Precinct != "" {
			out = append(out, e.Precinct)
		}
	}
	return out
}

// ZIPsOf returns the ZIPs a precinct covers.
func (c *Crosswalk) ZIPsOf(precinct string) []string {
	entries := c.byPrecinct[precinct]
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ZIP)
	}
	return out
}

// Keys lists the geo keys that exist at granularity g.
func (c *Crosswalk) Keys(g Granularity) []string {
	switch g {
	case GranularityZIP:
		return c.ZIPs()
	case GranularityPrecinct:
		return c.Precincts()
	case GranularityBorough:
		return c.Boroughs()
	case GranularityCity:
		return []string{CityKey}
	default:
		return nil
	}
}

// CanonicalKey normalizes a user-supplied geo key for granularity g and
// reports whether the crosswalk knows it.
func (c *Crosswalk) CanonicalKey(g Granularity, key string) (string, bool) {
	switch g {
	case GranularityZIP:
		zip, ok := NormalizeZIP(key)
		if !ok {
			return "", false
		}
		_, known := c.byZIP[zip]
		return zip, known
	case GranularityPrecinct:
		p, ok := NormalizePrecinct(key)
		if !ok {
			return "", false
		}
		_, known := c.byPrecinct[p]
		return p, known
	case GranularityBorough:
		for _, b := range c.boroughs {
			if strings.EqualFold(b, strings.TrimSpace(key)) {
				return b, true
			}
		}
		return "", false
	case GranularityCity:
		if strings.EqualFold(strings.TrimSpace(key), CityKey) {
			return CityKey, true
		}
		return "", false
	default:
		return "", false
	}
}

// Parent maps a key at granularity child to the key containing it at
// granularity parent. Only strictly nested pairs are supported: ZIP into
// borough or city, and any level into city.
func (c *Crosswalk) Parent(child, parent Granularity, key string) (string, bool) {
	switch {
	case parent == GranularityCity:
		return CityKey, true
	case child == GranularityZIP && parent == GranularityBorough:
		return c.Borough(key)
	case child == parent:
		return key, true
	default:
		return "", false
	}
}

// RentWeight is the weight a ZIP's rent carries when averaged into a coarser
// level: the sum of its overlap weights.
func (c *Crosswalk) RentWeight(zip string) float64 {
	return c.zipWeight[zip]
}

// Centroid returns a ZIP's representative point, if the table carries one.
func (c *Crosswalk) Centroid(zip string) (Point, bool) {
	p, ok := c.centroids[zip]
	return p, ok
}

// NearestZIP returns the ZIP whose centroid is closest to p, provided it lies
// within the configured cutoff.
func (c *Crosswalk) NearestZIP(p Point) (string, bool) {
	best, bestKm := "", math.Inf(1)
	for _, zip := range c.zips {
		centroid, ok := c.centroids[zip]
		if !ok {
			continue
		}
		if d := DistanceKm(p, centroid); d < bestKm {
			best, bestKm = zip, d
		}
	}
	if best == "" || bestKm > c.maxCentroidKm {
		return "", false
	}
	return best, true
}

// rentMember is a ZIP whose rent contributes to a geo key's averaged rent.
type rentMember struct {
	zip    string
	weight float64
}

func (c *Crosswalk) rentMembers(g Granularity, key string) []rentMember {
	switch g {
	case GranularityZIP:
		if _, ok := c.byZIP[key]; !ok {
			return nil
		}
		return []rentMember{{zip: key, weight: c.zipWeight[key]}}
	case GranularityPrecinct:
		entries := c.byPrecinct[key]
		out := make([]rentMember, 0, len(entries))
		for _, e := range entries {
			out = append(out, rentMember{zip: e.ZIP, weight: e.Weight})
		}
		return out
	case GranularityBorough, GranularityCity:
		var out []rentMember
		for _, zip := range c.zips {
			if g == GranularityBorough && c.borough[zip] != key {
				continue
			}
			out = append(out, rentMember{zip: zip, weight: c.zipWeight[zip]})
		}
		return out
	default:
		return nil
	}
}

// Apportion splits a crime record's severity weight across the ZIP/precinct
// overlaps its location resolves to. The returned allocations always sum to
// rec.Category.Weight().
//
// A precinct is split across its member ZIPs and a ZIP across the precincts
// it touches. A coordinate is snapped to the nearest ZIP centroid first. When
// both a ZIP and a precinct are given and they overlap, the record goes to
// that overlap alone. Shares are proportional to the overlap weights when
// every overlap has one, and equal otherwise.
func (c *Crosswalk) Apportion(rec CrimeRecord) ([]Allocation, error) {
	weight := rec.Category.Weight()
	loc := rec.Location

	if loc.ZIP != "" && loc.Precinct != "" {
		for _, e := range c.byZIP[loc.ZIP] {
			if e.Precinct == loc.Precinct {
				return split([]CrosswalkEntry{e}, weight), nil
			}
		}
	}

	switch {
	case loc.ZIP != "":
		if entries, ok := c.byZIP[loc.ZIP]; ok {
			return split(entries, weight), nil
		}
		if entries, ok := c.byPrecinct[loc.Precinct]; ok && loc.Precinct != "" {
			return split(entries, weight), nil
		}
		return nil, &GeoResolutionError{Kind: KeyZIP, Key: loc.ZIP, Err: errUnknownKey}
	case loc.Precinct != "":
		entries, ok := c.byPrecinct[loc.Precinct]
		if !ok {
			return nil, &GeoResolutionError{Kind: KeyPrecinct, Key: loc.Precinct, Err: errUnknownKey}
		}
		return split(entries, weight), nil
	case loc.Point != nil:
		zip, ok := c.NearestZIP(*loc.Point)
		if !ok {
			key := strconv.FormatFloat(loc.Point.Lat, 'f', 5, 64) + "," + strconv.FormatFloat(loc.Point.Lon, 'f', 5, 64)
			return nil, &GeoResolutionError{Kind: KeyCoordinate, Key: key, Err: errNoNearbyCentroid}
		}
		return split(c.byZIP[zip], weight), nil
	default:
		return nil, &GeoResolutionError{Kind: KeyRecord, Key: rec.ID, Err: errNoDescriptor}
	}
}

// split divides weight across entries. The last share absorbs the rounding
// remainder so the shares sum to weight.
func split(entries []CrosswalkEntry, weight float64) []Allocation {
	proportional := true
	var total float64
	for _, e := range entries {
		if e.Weight <= 0 {
			proportional = false
			break
		}
		total += e.Weight
	}

	out := make([]Allocation, len(entries))
	var assigned float64
	for i, e := range entries {
		share := weight / float64(len(entries))
		if proportional {
			share = weight * e.Weight / total
		}
		if i == len(entries)-1 {
			share = weight - assigned
		}
		assigned += share
		out[i] = Allocation{ZIP: e.ZIP, Precinct: e.Precinct, Borough: e.Borough, Weight: share}
	}
	return out
}

// precinctLess orders canonical precinct numbers numerically.
func precinctLess(a, b string) bool {
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}
