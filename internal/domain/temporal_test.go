package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func month(y int, m time.Month) time.Time {
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func TestMonthOf(t *testing.T) {
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, month(2024, time.February), MonthOf(time.Date(2024, 1, 31, 22, 0, 0, 0, est)), "converted to UTC first")
	assert.Equal(t, month(2024, time.March), MonthOf(time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC)))
}

func TestMonthRange(t *testing.T) {
	got := MonthRange(time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC), time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, []time.Time{
		month(2023, time.November),
		month(2023, time.December),
		month(2024, time.January),
		month(2024, time.February),
	}, got)
	assert.Empty(t, MonthRange(month(2024, time.March), month(2024, time.January)))
}

func TestTimeRange(t *testing.T) {
	r := TimeRange{From: month(2024, time.February), To: month(2024, time.April)}
	assert.False(t, r.Contains(time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC)))
	assert.True(t, r.Contains(month(2024, time.February)))
	assert.True(t, r.Contains(time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC)))
	assert.False(t, r.Contains(month(2024, time.April)), "upper bound is exclusive")
	assert.True(t, TimeRange{}.Contains(time.Time{}))

	assert.Equal(t,
		[]time.Time{month(2024, time.February), month(2024, time.March)},
		r.Months(month(2023, time.June), month(2024, time.December)))
}

func TestRentSeries_ForwardFill(t *testing.T) {
	s := NewRentSeries([]RentSnapshot{
		{ZIP: "10001", ObservedAt: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), MedianRent: 2200},
		{ZIP: "10001", ObservedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), MedianRent: 2000},
	})

	_, ok := s.At(month(2023, time.December))
	assert.False(t, ok, "no value before the first knot")

	for _, m := range []time.Month{time.January, time.February, time.March} {
		v, ok := s.At(month(2024, m))
		assert.True(t, ok)
		assert.InDelta(t, 2000.0, v, 0, "%s uses the earlier knot", m)
	}
	for _, m := range []time.Month{time.April, time.May, time.December} {
		v, ok := s.At(month(2024, m))
		assert.True(t, ok)
		assert.InDelta(t, 2200.0, v, 0, "%s uses the later knot", m)
	}
}

func TestRentSeries_MidMonthSnapshotAppliesFromNextBucket(t *testing.T) {
	s := NewRentSeries([]RentSnapshot{
		{ZIP: "10003", ObservedAt: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), MedianRent: 1000},
		{ZIP: "10003", ObservedAt: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), MedianRent: 2000},
	})
	assert.Equal(t, 2, s.Len())

	_, ok := s.At(month(2024, time.January))
	assert.False(t, ok, "January begins before the first snapshot")

	for _, m := range []time.Month{time.February, time.March} {
		v, ok := s.At(month(2024, m))
		assert.True(t, ok)
		assert.InDelta(t, 1000.0, v, 0, "%s never sees a later snapshot", m)
	}

	v, ok := s.At(month(2024, time.April))
	assert.True(t, ok)
	assert.InDelta(t, 2000.0, v, 0)
}

func TestRentSeries_SameInstantLastWins(t *testing.T) {
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	s := NewRentSeries([]RentSnapshot{
		{ZIP: "10003", ObservedAt: at, MedianRent: 3100},
		{ZIP: "10003", ObservedAt: at, MedianRent: 3150},
	})
	assert.Equal(t, 1, s.Len())

	v, ok := s.At(month(2024, time.March))
	assert.True(t, ok)
	assert.InDelta(t, 3150.0, v, 0)
}

func TestRentSeriesByZIP(t *testing.T) {
	series := RentSeriesByZIP([]RentSnapshot{
		{ZIP: "10001", ObservedAt: month(2024, time.January), MedianRent: 2000},
		{ZIP: "10002", ObservedAt: month(2024, time.January), MedianRent: 1800},
		{ZIP: "10001", ObservedAt: month(2024, time.June), MedianRent: 2100},
	})
	assert.Len(t, series, 2)
	assert.Equal(t, 2, series["10001"].Len())
	assert.Equal(t, []RentKnot{{At: month(2024, time.January), Rent: 1800}}, series["10002"].Knots())
}

func TestAlignSeries_GapFree(t *testing.T) {
	counts := map[time.Time]float64{
		month(2024, time.January): 3,
		month(2024, time.March):   5,
	}
	rent := NewRentSeries([]RentSnapshot{{ObservedAt: month(2024, time.February), MedianRent: 1500}})

	points := AlignSeries(counts, rent.At, MonthRange(month(2024, time.January), month(2024, time.April)))

	assert.Equal(t, []MonthlyPoint{
		{Month: month(2024, time.January), WeightedCount: 3},
		{Month: month(2024, time.February), WeightedCount: 0, Rent: 1500, HasRent: true},
		{Month: month(2024, time.March), WeightedCount: 5, Rent: 1500, HasRent: true},
		{Month: month(2024, time.April), WeightedCount: 0, Rent: 1500, HasRent: true},
	}, points)
}
