package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testComplaintID = "261407011"

func TestParseCategory(t *testing.T) {
	tests := []struct {
		in   string
		want Category
		ok   bool
	}{
		{"FELONY", Felony, true},
		{"felony", Felony, true},
		{" Fel ", Felony, true},
		{"F", Felony, true},
		{"MISDEMEANOR", Misdemeanor, true},
		{"Misd", Misdemeanor, true},
		{"m", Misdemeanor, true},
		{"VIOLATION", Violation, true},
		{"viol", Violation, true},
		{"V", Violation, true},
		{"INFRACTION", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseCategory(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeCrimeRow(t *testing.T) {
	t.Run("open data export", func(t *testing.T) {
		rec, err := NormalizeCrimeRow(RawCrimeRow{
			ID:        testComplaintID,
			Date:      "2024-01-15T00:00:00.000",
			Time:      "13:45:00",
			Category:  "FELONY",
			Precinct:  "014",
			Latitude:  "40.7506",
			Longitude: "-73.9935",
		})
		require.NoError(t, err)

		want := CrimeRecord{
			ID:         testComplaintID,
			OccurredAt: time.Date(2024, 1, 15, 13, 45, 0, 0, time.UTC),
			Category:   Felony,
			Location: GeoDescriptor{
				Precinct: "14",
				Point:    &Point{Lat: 40.7506, Lon: -73.9935},
			},
		}
		if diff := cmp.Diff(want, rec); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("hand edited date and ZIP+4", func(t *testing.T) {
		rec, err := NormalizeCrimeRow(RawCrimeRow{
			ID:       "A1",
			Date:     "03/07/2024",
			Category: "misd",
			ZIP:      "10001-2345",
		})
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC), rec.OccurredAt)
		assert.Equal(t, Misdemeanor, rec.Category)
		assert.Equal(t, "10001", rec.Location.ZIP)
	})

	t.Run("zero coordinate is treated as blank", func(t *testing.T) {
		rec, err := NormalizeCrimeRow(RawCrimeRow{
			ID: "A2", Date: "2024-01-02", Category: "V", Precinct: "5",
			Latitude: "0", Longitude: "0",
		})
		require.NoError(t, err)
		assert.Nil(t, rec.Location.Point)
		assert.Equal(t, "5", rec.Location.Precinct)
	})

	t.Run("generated ID is deterministic", func(t *testing.T) {
		row := RawCrimeRow{Date: "2024-01-02", Category: "VIOLATION", ZIP: "10002"}
		a, err := NormalizeCrimeRow(row)
		require.NoError(t, err)
		b, err := NormalizeCrimeRow(row)
		require.NoError(t, err)
		assert.Equal(t, a.ID, b.ID)
		assert.True(t, strings.HasPrefix(a.ID, "violation-"))
	})

	rejections := []struct {
		name   string
		row    RawCrimeRow
		reason RejectReason
	}{
		{"missing category", RawCrimeRow{ID: "1", Date: "2024-01-01", Precinct: "1"}, RejectMissingCategory},
		{"unknown category", RawCrimeRow{ID: "1", Date: "2024-01-01", Category: "INFRACTION", Precinct: "1"}, RejectUnknownCategory},
		{"missing timestamp", RawCrimeRow{ID: "1", Category: "F", Precinct: "1"}, RejectMissingTimestamp},
		{"invalid timestamp", RawCrimeRow{ID: "1", Date: "last tuesday", Category: "F", Precinct: "1"}, RejectInvalidTimestamp},
		{"missing location", RawCrimeRow{ID: "1", Date: "2024-01-01", Category: "F"}, RejectMissingLocation},
		{"invalid precinct", RawCrimeRow{ID: "1", Date: "2024-01-01", Category: "F", Precinct: "abc"}, RejectInvalidLocation},
		{"invalid ZIP", RawCrimeRow{ID: "1", Date: "2024-01-01", Category: "F", ZIP: "1000A"}, RejectInvalidZIP},
		{"half coordinate", RawCrimeRow{ID: "1", Date: "2024-01-01", Category: "F", Latitude: "40.7"}, RejectInvalidLocation},
		{"out of range coordinate", RawCrimeRow{ID: "1", Date: "2024-01-01", Category: "F", Latitude: "140.7", Longitude: "-73.9"}, RejectInvalidLocation},
	}
	for _, tt := range rejections {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeCrimeRow(tt.row)
			var rej *SchemaRejection
			require.True(t, errors.As(err, &rej), "expected SchemaRejection, got %v", err)
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, DatasetCrime, rej.Dataset)
		})
	}
}

func TestNormalizeRentRow(t *testing.T) {
	t.Run("month only date with currency", func(t *testing.T) {
		snap, err := NormalizeRentRow(RawRentRow{ZIP: "10001", Date: "2024-03", MedianRent: "$2,150"})
		require.NoError(t, err)
		assert.Equal(t, RentSnapshot{
			ZIP:        "10001",
			ObservedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			MedianRent: 2150,
		}, snap)
	})

	t.Run("short ZIP is padded", func(t *testing.T) {
		snap, err := NormalizeRentRow(RawRentRow{ZIP: "7302", Date: "2024-01-01", MedianRent: "1800"})
		require.NoError(t, err)
		assert.Equal(t, "07302", snap.ZIP)
	})

	t.Run("zero rent is kept", func(t *testing.T) {
		snap, err := NormalizeRentRow(RawRentRow{ZIP: "10001", Date: "2024-01-01", MedianRent: "0"})
		require.NoError(t, err)
		assert.Zero(t, snap.MedianRent)
	})

	rejections := []struct {
		name   string
		row    RawRentRow
		reason RejectReason
	}{
		{"missing ZIP", RawRentRow{Date: "2024-01-01", MedianRent: "1"}, RejectMissingZIP},
		{"invalid ZIP", RawRentRow{ZIP: "NYC", Date: "2024-01-01", MedianRent: "1"}, RejectInvalidZIP},
		{"missing date", RawRentRow{ZIP: "10001", MedianRent: "1"}, RejectMissingTimestamp},
		{"missing rent", RawRentRow{ZIP: "10001", Date: "2024-01-01"}, RejectMissingRent},
		{"negative rent", RawRentRow{ZIP: "10001", Date: "2024-01-01", MedianRent: "-5"}, RejectInvalidRent},
		{"non numeric rent", RawRentRow{ZIP: "10001", Date: "2024-01-01", MedianRent: "n/a"}, RejectInvalidRent},
	}
	for _, tt := range rejections {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeRentRow(tt.row)
			var rej *SchemaRejection
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.reason, rej.Reason)
			assert.Equal(t, DatasetRent, rej.Dataset)
		})
	}
}

func TestNormalizeCrimeRows_CountsRejections(t *testing.T) {
	rows := []RawCrimeRow{
		{ID: "1", Date: "2024-01-01", Category: "F", Precinct: "1"},
		{ID: "2", Date: "2024-01-01", Category: "X", Precinct: "1"},
		{ID: "3", Date: "2024-01-01", Category: "M"},
		{ID: "4", Date: "2024-01-01", Category: "X", ZIP: "10001"},
	}
	recs, rejections := NormalizeCrimeRows(rows)

	require.Len(t, recs, 1)
	assert.Equal(t, "1", recs[0].ID)
	assert.Equal(t, 3, rejections.Total)
	assert.Equal(t, 2, rejections.ByReason[RejectUnknownCategory])
	assert.Equal(t, 1, rejections.ByReason[RejectMissingLocation])
	assert.Equal(t, []RejectReason{RejectMissingLocation, RejectUnknownCategory}, rejections.Reasons())
}

func TestNormalizeRentRows(t *testing.T) {
	snaps, rejections := NormalizeRentRows([]RawRentRow{
		{ZIP: "10001", Date: "2024-01-01", MedianRent: "2000"},
		{ZIP: "10001", Date: "bad", MedianRent: "2000"},
	})
	assert.Len(t, snaps, 1)
	assert.Equal(t, 1, rejections.ByReason[RejectInvalidTimestamp])
}

func TestParseRawEvent(t *testing.T) {
	t.Run("crime", func(t *testing.T) {
		raw := RawEvent{Value: []byte(`{"cmplnt_num":"9","cmplnt_fr_dt":"2024-02-01","law_cat_cd":"FELONY","addr_pct_cd":"14"}`)}
		rec, err := ParseRawEvent(raw, DatasetCrime)
		require.NoError(t, err)
		require.NotNil(t, rec.Crime)
		assert.Nil(t, rec.Rent)
		assert.Equal(t, "9", rec.Crime.ID)
	})

	t.Run("rent", func(t *testing.T) {
		raw := RawEvent{Value: []byte(`{"zip":"10001","date":"2024-02","median_rent":"2100"}`)}
		rec, err := ParseRawEvent(raw, DatasetRent)
		require.NoError(t, err)
		require.NotNil(t, rec.Rent)
		assert.InDelta(t, 2100.0, rec.Rent.MedianRent, 1e-9)
	})

	t.Run("malformed payload", func(t *testing.T) {
		_, err := ParseRawEvent(RawEvent{Key: []byte("k"), Value: []byte("{nope")}, DatasetCrime)
		var rej *SchemaRejection
		require.True(t, errors.As(err, &rej))
		assert.Equal(t, RejectMalformed, rej.Reason)
		assert.Equal(t, "k", rej.RowID)
	})

	t.Run("unknown dataset", func(t *testing.T) {
		_, err := ParseRawEvent(RawEvent{Value: []byte(`{}`)}, "weather")
		var rej *SchemaRejection
		require.True(t, errors.As(err, &rej))
		assert.Equal(t, RejectUnknownDataset, rej.Reason)
	})
}

func TestNormalizeZIP(t *testing.T) {
	tests := map[string]string{
		"10001":      "10001",
		" 10001 ":    "10001",
		"10001-0001": "10001",
		"10001.0":    "10001",
		"501":        "00501",
	}
	for in, want := range tests {
		got, ok := NormalizeZIP(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "100011", "ABCDE", "10 01"} {
		_, ok := NormalizeZIP(in)
		assert.False(t, ok, in)
	}
}

func TestNormalizePrecinct(t *testing.T) {
	got, ok := NormalizePrecinct("014")
	assert.True(t, ok)
	assert.Equal(t, "14", got)

	got, ok = NormalizePrecinct("75.0")
	assert.True(t, ok)
	assert.Equal(t, "75", got)

	_, ok = NormalizePrecinct("0")
	assert.False(t, ok)
}
