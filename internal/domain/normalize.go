package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// categoryAliases maps upper-cased category spellings seen in the exports to
// their canonical category.
var categoryAliases = map[string]Category{
	"FELONY":       Felony,
	"FELONIES":     Felony,
	"FEL":          Felony,
	"F":            Felony,
	"MISDEMEANOR":  Misdemeanor,
	"MISDEMEANORS": Misdemeanor,
	"MISDEMEANOUR": Misdemeanor,
	"MISD":         Misdemeanor,
	"MIS":          Misdemeanor,
	"M":            Misdemeanor,
	"VIOLATION":    Violation,
	"VIOLATIONS":   Violation,
	"VIOL":         Violation,
	"VIO":          Violation,
	"V":            Violation,
}

// dateLayouts are tried in order.
var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
	"01/02/2006 03:04:05 PM",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"2006-01",
}

var clockLayouts = []string{"15:04:05", "15:04"}

// ParseCategory normalizes a category label. Case, surrounding space and
// common abbreviations are accepted.
func ParseCategory(s string) (Category, bool) {
	c, ok := categoryAliases[strings.ToUpper(strings.TrimSpace(s))]
	return c, ok
}

// ParseRawEvent decodes a JSON row from the named dataset and normalizes it.
// Undecodable payloads and unknown datasets are schema rejections like any
// other invalid row.
func ParseRawEvent(raw RawEvent, dataset string) (Record, error) {
	switch dataset {
	case DatasetCrime:
		var row RawCrimeRow
		if err := json.Unmarshal(raw.Value, &row); err != nil {
			return Record{}, &SchemaRejection{Dataset: dataset, RowID: string(raw.Key), Field: "payload", Reason: RejectMalformed}
		}
		rec, err := NormalizeCrimeRow(row)
		if err != nil {
			return Record{}, err
		}
		return Record{Crime: &rec}, nil
	case DatasetRent:
		var row RawRentRow
		if err := json.Unmarshal(raw.Value, &row); err != nil {
			return Record{}, &SchemaRejection{Dataset: dataset, RowID: string(raw.Key), Field: "payload", Reason: RejectMalformed}
		}
		snap, err := NormalizeRentRow(row)
		if err != nil {
			return Record{}, err
		}
		return Record{Rent: &snap}, nil
	default:
		return Record{}, &SchemaRejection{Dataset: dataset, RowID: string(raw.Key), Field: "dataset", Reason: RejectUnknownDataset, Value: dataset}
	}
}

// NormalizeCrimeRow types and validates a raw crime row. The returned error is
// always a *SchemaRejection.
func NormalizeCrimeRow(row RawCrimeRow) (CrimeRecord, error) {
	id := strings.TrimSpace(row.ID)
	reject := func(field string, reason RejectReason, value string) (CrimeRecord, error) {
		return CrimeRecord{}, &SchemaRejection{Dataset: DatasetCrime, RowID: id, Field: field, Reason: reason, Value: value}
	}

	label := strings.TrimSpace(row.Category)
	if label == "" {
		return reject("law_cat_cd", RejectMissingCategory, "")
	}
	category, ok := ParseCategory(label)
	if !ok {
		return reject("law_cat_cd", RejectUnknownCategory, label)
	}

	date := strings.TrimSpace(row.Date)
	if date == "" {
		return reject("cmplnt_fr_dt", RejectMissingTimestamp, "")
	}
	occurredAt, err := parseTimestamp(date, row.Time)
	if err != nil {
		return reject("cmplnt_fr_dt", RejectInvalidTimestamp, date)
	}

	loc, field, reason := normalizeLocation(row)
	if reason != "" {
		return reject(field, reason, "")
	}

	if id == "" {
		id = generateID(category, occurredAt, loc)
	}

	return CrimeRecord{
		ID:         id,
		OccurredAt: occurredAt,
		Category:   category,
		Location:   loc,
	}, nil
}

// NormalizeRentRow types and validates a raw rent row. Zero rents are kept:
// they are legitimate observations that later exclude their buckets from the
// ratio. Negative or non-numeric rents are rejected.
func NormalizeRentRow(row RawRentRow) (RentSnapshot, error) {
	reject := func(field string, reason RejectReason, value string) (RentSnapshot, error) {
		return RentSnapshot{}, &SchemaRejection{Dataset: DatasetRent, RowID: strings.TrimSpace(row.ZIP), Field: field, Reason: reason, Value: value}
	}

	rawZIP := strings.TrimSpace(row.ZIP)
	if rawZIP == "" {
		return reject("zip", RejectMissingZIP, "")
	}
	zip, ok := NormalizeZIP(rawZIP)
	if !ok {
		return reject("zip", RejectInvalidZIP, rawZIP)
	}

	date := strings.TrimSpace(row.Date)
	if date == "" {
		return reject("date", RejectMissingTimestamp, "")
	}
	observedAt, err := parseTimestamp(date, "")
	if err != nil {
		return reject("date", RejectInvalidTimestamp, date)
	}

	rawRent := strings.TrimSpace(row.MedianRent)
	if rawRent == "" {
		return reject("median_rent", RejectMissingRent, "")
	}
	rent, err := strconv.ParseFloat(strings.NewReplacer("$", "", ",", "").Replace(rawRent), 64)
	if err != nil || math.IsNaN(rent) || math.IsInf(rent, 0) || rent < 0 {
		return reject("median_rent", RejectInvalidRent, rawRent)
	}

	return RentSnapshot{ZIP: zip, ObservedAt: observedAt, MedianRent: rent}, nil
}

// NormalizeCrimeRows normalizes a batch, dropping and tallying rejections.
func NormalizeCrimeRows(rows []RawCrimeRow) ([]CrimeRecord, Rejections) {
	var rejections Rejections
	out := make([]CrimeRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := NormalizeCrimeRow(row)
		if err != nil {
			rejections.Add(err)
			continue
		}
		out = append(out, rec)
	}
	return out, rejections
}

// NormalizeRentRows normalizes a batch, dropping and tallying rejections.
func NormalizeRentRows(rows []RawRentRow) ([]RentSnapshot, Rejections) {
	var rejections Rejections
	out := make([]RentSnapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := NormalizeRentRow(row)
		if err != nil {
			rejections.Add(err)
			continue
		}
		out = append(out, snap)
	}
	return out, rejections
}

// NormalizeZIP returns the 5-digit form of a ZIP code. ZIP+4 suffixes and
// spreadsheet artifacts like "10001.0" are stripped, and short numeric ZIPs
// are left-padded.
func NormalizeZIP(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSuffix(s, ".0")
	if s == "" || len(s) > 5 || !isDigits(s) {
		return "", false
	}
	if len(s) < 5 {
		s = strings.Repeat("0", 5-len(s)) + s
	}
	return s, true
}

// NormalizePrecinct returns the canonical integer form of a precinct number,
// e.g. "014" and "14.0" both become "14".
func NormalizePrecinct(s string) (string, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), ".0")
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return "", false
	}
	return strconv.Itoa(n), true
}

// normalizeLocation picks out the precinct, ZIP and coordinate of a row. A
// field that is present but unparsable rejects the row.
func normalizeLocation(row RawCrimeRow) (GeoDescriptor, string, RejectReason) {
	var loc GeoDescriptor

	if raw := strings.TrimSpace(row.Precinct); raw != "" {
		p, ok := NormalizePrecinct(raw)
		if !ok {
			return GeoDescriptor{}, "addr_pct_cd", RejectInvalidLocation
		}
		loc.Precinct = p
	}

	if raw := strings.TrimSpace(row.ZIP); raw != "" {
		z, ok := NormalizeZIP(raw)
		if !ok {
			return GeoDescriptor{}, "zip", RejectInvalidZIP
		}
		loc.ZIP = z
	}

	lat, lon := strings.TrimSpace(row.Latitude), strings.TrimSpace(row.Longitude)
	if lat != "" || lon != "" {
		p, ok := parsePoint(lat, lon)
		if !ok {
			return GeoDescriptor{}, "latitude", RejectInvalidLocation
		}
		if p != nil {
			loc.Point = p
		}
	}

	if loc.Precinct == "" && loc.ZIP == "" && loc.Point == nil {
		return GeoDescriptor{}, "location", RejectMissingLocation
	}
	return loc, "", ""
}

// parsePoint parses a coordinate pair. A (0, 0) pair is the exports' blank
// marker and yields nil without failing.
func parsePoint(lat, lon string) (*Point, bool) {
	if lat == "" || lon == "" {
		return nil, false
	}
	la, errLat := strconv.ParseFloat(lat, 64)
	lo, errLon := strconv.ParseFloat(lon, 64)
	if errLat != nil || errLon != nil || la < -90 || la > 90 || lo < -180 || lo > 180 {
		return nil, false
	}
	if la == 0 && lo == 0 {
		return nil, true
	}
	return &Point{Lat: la, Lon: lo}, true
}

// parseTimestamp parses a date in any supported layout. Open Data exports
// put the time of day in its own column and leave the date at midnight, so a
// clock value is added whenever the date carries no time of its own.
func parseTimestamp(date, clock string) (time.Time, error) {
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, date)
		if err != nil {
			continue
		}
		t = t.UTC()
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 {
			if offset, ok := parseClock(clock); ok {
				t = t.Add(offset)
			}
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", date)
}

func parseClock(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	for _, layout := range clockLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second, true
		}
	}
	return 0, false
}

// generateID derives a deterministic ID for rows exported without a
// complaint number, so replays of the same row collapse onto one record.
func generateID(category Category, occurredAt time.Time, loc GeoDescriptor) string {
	var lat, lon float64
	if loc.Point != nil {
		lat, lon = loc.Point.Lat, loc.Point.Lon
	}
	input := fmt.Sprintf("%s|%s|%s|%s|%.5f|%.5f", category, occurredAt.Format(time.RFC3339), loc.Precinct, loc.ZIP, lat, lon)
	hash := sha256.Sum256([]byte(input))
	return strings.ToLower(string(category)) + "-" + hex.EncodeToString(hash[:8])
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
