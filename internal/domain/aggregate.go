package domain

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// AggregateInput is everything one aggregation needs. The record slices are
// read, never modified.
type AggregateInput struct {
	Granularity Granularity
	Range       TimeRange
	// Categories restricts the crime records counted. Empty means all.
	Categories []Category
	Crimes     []CrimeRecord
	Rents      []RentSnapshot
	Crosswalk  *Crosswalk
}

// AggregateResult holds the buckets of one aggregation and the records that
// could not be placed on the crosswalk.
type AggregateResult struct {
	Buckets    []AggregatedBucket
	Unresolved []Resolution
}

// Aggregate computes the Danger Ratio buckets for every key at the requested
// granularity.
//
// Every key gets one bucket per month in a shared window spanning the crime
// months and the rent knots, clipped to the range, so zero-crime months carry
// a true zero. Counts are sums of apportioned shares; citywide counts also
// include records the crosswalk could not place. Rent above ZIP level is the
// weighted mean of member ZIP rents, and the ratio is only formed where that
// rent is positive.
func Aggregate(in AggregateInput) (AggregateResult, error) {
	if !in.Granularity.Valid() {
		return AggregateResult{}, fmt.Errorf("%w: %q", ErrUnknownGranularity, in.Granularity)
	}
	if in.Crosswalk == nil {
		return AggregateResult{}, errors.New("aggregate: crosswalk is required")
	}
	cw := in.Crosswalk

	crimes := filterCrimes(in.Crimes, in.Range, in.Categories)
	resolutions := cw.Resolve(crimes)
	rents := RentSeriesByZIP(in.Rents)

	months := aggregationWindow(crimes, rents, cw, in.Range)
	if len(months) == 0 {
		return AggregateResult{Unresolved: Unresolved(resolutions)}, nil
	}

	counts := make(map[string]map[time.Time]float64)
	add := func(key string, m time.Time, w float64) {
		if counts[key] == nil {
			counts[key] = make(map[time.Time]float64)
		}
		counts[key][m] += w
	}
	for _, r := range resolutions {
		m := MonthOf(r.Record.OccurredAt)
		if in.Granularity == GranularityCity {
			add(CityKey, m, r.Record.Category.Weight())
			continue
		}
		for _, a := range r.Allocations {
			if key := a.Key(in.Granularity); key != "" {
				add(key, m, a.Weight)
			}
		}
	}

	keys := cw.Keys(in.Granularity)
	buckets := make([]AggregatedBucket, 0, len(keys)*len(months))
	for _, key := range keys {
		members := cw.rentMembers(in.Granularity, key)
		rentAt := func(m time.Time) (float64, bool) { return memberRent(members, rents, m) }
		for _, p := range AlignSeries(counts[key], rentAt, months) {
			buckets = append(buckets, newBucket(key, in.Granularity, p))
		}
	}

	return AggregateResult{Buckets: buckets, Unresolved: Unresolved(resolutions)}, nil
}

// Rollup derives parent buckets from child buckets: weighted counts are
// summed and rents are averaged with weightOf(child key), then the ratio is
// re-formed. Child ratios are never averaged. Children whose parentOf lookup
// fails are skipped.
func Rollup(children []AggregatedBucket, parent Granularity, parentOf func(string) (string, bool), weightOf func(string) float64) []AggregatedBucket {
	type cell struct {
		key   string
		month time.Time
	}
	type acc struct {
		count   float64
		sawRent bool
		rents   []float64
		weights []float64
	}

	cells := make(map[cell]*acc)
	for _, child := range children {
		pk, ok := parentOf(child.GeoKey)
		if !ok {
			continue
		}
		c := cell{pk, child.Month}
		a := cells[c]
		if a == nil {
			a = &acc{}
			cells[c] = a
		}
		a.count += child.WeightedCount
		if child.MedianRent != nil {
			a.sawRent = true
		}
		if child.MedianRent != nil && *child.MedianRent > 0 {
			a.rents = append(a.rents, *child.MedianRent)
			a.weights = append(a.weights, weightOf(child.GeoKey))
		}
	}

	out := make([]AggregatedBucket, 0, len(cells))
	for c, a := range cells {
		p := MonthlyPoint{Month: c.month, WeightedCount: a.count}
		switch {
		case len(a.rents) > 0:
			p.Rent, p.HasRent = weightedMean(a.rents, a.weights), true
		case a.sawRent:
			p.HasRent = true
		}
		out = append(out, newBucket(c.key, parent, p))
	}
	SortBuckets(out)
	return out
}

// DangerRatioSeries returns the buckets of key that carry a ratio, in time
// order. Excluded months are omitted rather than reported as zero.
func DangerRatioSeries(buckets []AggregatedBucket, key string) []AggregatedBucket {
	var out []AggregatedBucket
	for _, b := range buckets {
		if b.GeoKey == key && b.HasRatio() {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Month.Before(out[j].Month) })
	return out
}

// KeyRatio is a geo key's Danger Ratio over a whole window.
type KeyRatio struct {
	GeoKey        string  `json:"geo_key"`
	MeanCount     float64 `json:"mean_weighted_count"`
	MeanRent      float64 `json:"mean_rent"`
	DangerRatio   float64 `json:"danger_ratio"`
	MonthsCounted int     `json:"months"`
}

// TopByAverageRatio ranks keys by mean monthly weighted count over mean
// positive rent. Keys without any positive rent are left out. n <= 0 returns
// every key.
func TopByAverageRatio(buckets []AggregatedBucket, n int) []KeyRatio {
	type acc struct {
		counts []float64
		rents  []float64
	}
	byKey := make(map[string]*acc)
	for _, b := range buckets {
		a := byKey[b.GeoKey]
		if a == nil {
			a = &acc{}
			byKey[b.GeoKey] = a
		}
		a.counts = append(a.counts, b.WeightedCount)
		if b.MedianRent != nil && *b.MedianRent > 0 {
			a.rents = append(a.rents, *b.MedianRent)
		}
	}

	out := make([]KeyRatio, 0, len(byKey))
	for key, a := range byKey {
		if len(a.rents) == 0 {
			continue
		}
		count, rent := stat.Mean(a.counts, nil), stat.Mean(a.rents, nil)
		out = append(out, KeyRatio{
			GeoKey:        key,
			MeanCount:     count,
			MeanRent:      rent,
			DangerRatio:   count / rent,
			MonthsCounted: len(a.counts),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DangerRatio != out[j].DangerRatio {
			return out[i].DangerRatio > out[j].DangerRatio
		}
		return out[i].GeoKey < out[j].GeoKey
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// SortBuckets orders buckets by granularity, key and month. Precinct keys
// sort numerically.
func SortBuckets(buckets []AggregatedBucket) {
	sort.Slice(buckets, func(i, j int) bool {
		a, b := buckets[i], buckets[j]
		if a.Granularity != b.Granularity {
			return a.Granularity < b.Granularity
		}
		if a.GeoKey != b.GeoKey {
			if a.Granularity == GranularityPrecinct {
				return precinctLess(a.GeoKey, b.GeoKey)
			}
			return a.GeoKey < b.GeoKey
		}
		return a.Month.Before(b.Month)
	})
}

func newBucket(key string, g Granularity, p MonthlyPoint) AggregatedBucket {
	b := AggregatedBucket{
		GeoKey:        key,
		Granularity:   g,
		Month:         p.Month,
		WeightedCount: p.WeightedCount,
	}
	if !p.HasRent {
		b.Excluded = ExcludedNoRent
		return b
	}
	rent := p.Rent
	b.MedianRent = &rent
	ratio, err := dangerRatio(p.WeightedCount, rent)
	if err != nil {
		b.Excluded = ExcludedNonPositiveRent
		return b
	}
	b.DangerRatio = &ratio
	return b
}

func dangerRatio(count, rent float64) (float64, error) {
	if rent <= 0 {
		return 0, ErrDivisionPrecondition
	}
	return count / rent, nil
}

// memberRent averages the forward-filled rents of members whose rent is
// positive. When members have rents but none is positive the result is a
// zero rent, so the bucket reports a non-positive rent rather than none.
func memberRent(members []rentMember, rents map[string]RentSeries, m time.Time) (float64, bool) {
	var values, weights []float64
	sawRent := false
	for _, mem := range members {
		v, ok := rents[mem.zip].At(m)
		if !ok {
			continue
		}
		sawRent = true
		if v > 0 {
			values = append(values, v)
			weights = append(weights, mem.weight)
		}
	}
	if len(values) == 0 {
		return 0, sawRent
	}
	return weightedMean(values, weights), true
}

// weightedMean uses weights only when every one is positive, and falls back
// to a simple mean otherwise.
func weightedMean(values, weights []float64) float64 {
	for _, w := range weights {
		if w <= 0 {
			return stat.Mean(values, nil)
		}
	}
	return stat.Mean(values, weights)
}

func filterCrimes(crimes []CrimeRecord, r TimeRange, categories []Category) []CrimeRecord {
	allowed := make(map[Category]bool, len(categories))
	for _, c := range categories {
		allowed[c] = true
	}
	out := make([]CrimeRecord, 0, len(crimes))
	for _, c := range crimes {
		if len(allowed) > 0 && !allowed[c.Category] {
			continue
		}
		if !r.Contains(c.OccurredAt) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// aggregationWindow spans the months of the counted crimes and of every rent
// knot for a crosswalk ZIP, clipped to the range. The window is shared by all
// keys so buckets at different granularities line up.
func aggregationWindow(crimes []CrimeRecord, rents map[string]RentSeries, cw *Crosswalk, r TimeRange) []time.Time {
	var first, last time.Time
	extend := func(m time.Time) {
		if first.IsZero() || m.Before(first) {
			first = m
		}
		if last.IsZero() || m.After(last) {
			last = m
		}
	}
	for _, c := range crimes {
		extend(MonthOf(c.OccurredAt))
	}
	for _, zip := range cw.ZIPs() {
		for _, k := range rents[zip].knots {
			extend(MonthOf(k.At))
		}
	}
	if first.IsZero() {
		return nil
	}
	return r.Months(first, last)
}
