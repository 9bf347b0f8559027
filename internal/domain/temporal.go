package domain

import (
	"sort"
	"time"
)

// MonthOf truncates t to the first instant of its UTC calendar month.
func MonthOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthRange returns every month from MonthOf(from) through MonthOf(to)
// inclusive. It is empty when to precedes from.
func MonthRange(from, to time.Time) []time.Time {
	start, end := MonthOf(from), MonthOf(to)
	var out []time.Time
	for m := start; !m.After(end); m = m.AddDate(0, 1, 0) {
		out = append(out, m)
	}
	return out
}

// TimeRange is a half-open interval [From, To). A zero bound is unbounded.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Months clips the month span [first, last] to the range and lists the
// months in between. Partial months at either end are kept.
func (r TimeRange) Months(first, last time.Time) []time.Time {
	first, last = MonthOf(first), MonthOf(last)
	if !r.From.IsZero() && first.Before(MonthOf(r.From)) {
		first = MonthOf(r.From)
	}
	if !r.To.IsZero() {
		if end := MonthOf(r.To.Add(-time.Nanosecond)); last.After(end) {
			last = end
		}
	}
	return MonthRange(first, last)
}

// RentKnot is one step of a forward-filled rent series, effective from the
// instant it was observed.
type RentKnot struct {
	At   time.Time
	Rent float64
}

// RentSeries is a step function over sorted knots. The rent at t is the
// latest knot observed at or before t; there is no interpolation and no value
// before the first knot.
type RentSeries struct {
	knots []RentKnot
}

// NewRentSeries builds a series from one ZIP's snapshots. Snapshots observed
// at the same instant collapse to the last one given.
func NewRentSeries(snaps []RentSnapshot) RentSeries {
	sorted := append([]RentSnapshot(nil), snaps...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ObservedAt.Before(sorted[j].ObservedAt)
	})

	var knots []RentKnot
	for _, s := range sorted {
		at := s.ObservedAt.UTC()
		if n := len(knots); n > 0 && knots[n-1].At.Equal(at) {
			knots[n-1].Rent = s.MedianRent
			continue
		}
		knots = append(knots, RentKnot{At: at, Rent: s.MedianRent})
	}
	return RentSeries{knots: knots}
}

// RentSeriesByZIP groups snapshots into one series per ZIP.
func RentSeriesByZIP(snaps []RentSnapshot) map[string]RentSeries {
	grouped := make(map[string][]RentSnapshot)
	for _, s := range snaps {
		grouped[s.ZIP] = append(grouped[s.ZIP], s)
	}
	out := make(map[string]RentSeries, len(grouped))
	for zip, group := range grouped {
		out[zip] = NewRentSeries(group)
	}
	return out
}

// At returns the forward-filled rent in effect at t. Aggregation calls it
// with a bucket's start, so a mid-month snapshot first counts in the
// following month.
func (s RentSeries) At(t time.Time) (float64, bool) {
	i := sort.Search(len(s.knots), func(i int) bool { return s.knots[i].At.After(t) })
	if i == 0 {
		return 0, false
	}
	return s.knots[i-1].Rent, true
}

// Knots returns a copy of the series' knots.
func (s RentSeries) Knots() []RentKnot {
	return append([]RentKnot(nil), s.knots...)
}

// Len is the number of knots.
func (s RentSeries) Len() int { return len(s.knots) }

// MonthlyPoint is one month of an aligned series.
type MonthlyPoint struct {
	Month         time.Time
	WeightedCount float64
	Rent          float64
	HasRent       bool
}

// AlignSeries lays a key's weighted crime counts and rent onto a gap-free
// monthly grid. Months without crime carry a zero count. rentAt is usually a
// RentSeries' At method.
func AlignSeries(counts map[time.Time]float64, rentAt func(time.Time) (float64, bool), months []time.Time) []MonthlyPoint {
	out := make([]MonthlyPoint, len(months))
	for i, m := range months {
		p := MonthlyPoint{Month: m, WeightedCount: counts[m]}
		p.Rent, p.HasRent = rentAt(m)
		out[i] = p
	}
	return out
}
