package csvsource

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jszwec/csvutil"

	"github.com/couchcryptid/rent-crime-etl/internal/domain"
)

var crosswalkAliases = map[string]string{
	"zip":           "zip",
	"zipcode":       "zip",
	"zip_code":      "zip",
	"zip_codes":     "zip",
	"modzcta":       "zip",
	"precinct":      "precinct",
	"addr_pct_cd":   "precinct",
	"pct":           "precinct",
	"precinct_area": "precinct",
	"borough":       "borough",
	"boro":          "borough",
	"boro_nm":       "borough",
	"weight":        "weight",
	"population":    "weight",
	"pop":           "weight",
	"overlap_area":  "weight",
	"latitude":      "latitude",
	"lat":           "latitude",
	"longitude":     "longitude",
	"lon":           "longitude",
	"lng":           "longitude",
}

type crosswalkRow struct {
	ZIP       string `csv:"zip"`
	Precinct  string `csv:"precinct"`
	Borough   string `csv:"borough"`
	Weight    string `csv:"weight"`
	Latitude  string `csv:"latitude"`
	Longitude string `csv:"longitude"`
}

// LoadCrosswalk reads and validates the crosswalk file at path.
func LoadCrosswalk(path string, opts ...domain.CrosswalkOption) (*domain.Crosswalk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	entries, err := ReadCrosswalk(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return domain.NewCrosswalk(entries, opts...)
}

// ReadCrosswalk parses crosswalk rows. The ZIP column may hold a single ZIP
// or a list such as "['10001', '10011']"; a list expands to one entry per
// ZIP and drops the row weight, which then no longer describes one overlap.
func ReadCrosswalk(r io.Reader) ([]domain.CrosswalkEntry, error) {
	reader := csv.NewReader(r)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty crosswalk")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	dec, err := csvutil.NewDecoder(reader, canonicalHeader(header, crosswalkAliases)...)
	if err != nil {
		return nil, err
	}

	var entries []domain.CrosswalkEntry
	for line := 2; ; line++ {
		var row crosswalkRow
		if err := dec.Decode(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		rowEntries, err := parseCrosswalkRow(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		entries = append(entries, rowEntries...)
	}

	if len(entries) == 0 {
		return nil, errors.New("crosswalk has no rows")
	}
	return entries, nil
}

func parseCrosswalkRow(row crosswalkRow) ([]domain.CrosswalkEntry, error) {
	zips := splitZIPList(row.ZIP)
	if len(zips) == 0 {
		return nil, errors.New("missing zip")
	}
	borough := strings.TrimSpace(row.Borough)
	if borough == "" {
		return nil, errors.New("missing borough")
	}

	var weight float64
	if w := strings.TrimSpace(row.Weight); w != "" && len(zips) == 1 {
		v, err := strconv.ParseFloat(w, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("invalid weight %q", w)
		}
		weight = v
	}

	var centroid *domain.Point
	if lat, lon := strings.TrimSpace(row.Latitude), strings.TrimSpace(row.Longitude); lat != "" && lon != "" && len(zips) == 1 {
		la, errLat := strconv.ParseFloat(lat, 64)
		lo, errLon := strconv.ParseFloat(lon, 64)
		if errLat != nil || errLon != nil {
			return nil, fmt.Errorf("invalid centroid %q,%q", lat, lon)
		}
		centroid = &domain.Point{Lat: la, Lon: lo}
	}

	out := make([]domain.CrosswalkEntry, 0, len(zips))
	for _, zip := range zips {
		out = append(out, domain.CrosswalkEntry{
			ZIP:      zip,
			Precinct: strings.TrimSpace(row.Precinct),
			Borough:  borough,
			Weight:   weight,
			Centroid: centroid,
		})
	}
	return out, nil
}

func splitZIPList(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '[', ']', '\'', '"', '|':
			return true
		}
		return false
	})
}
