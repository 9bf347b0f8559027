// Package csvsource reads the crime, rent and crosswalk CSV exports. Crime
// and rent files are streamed as raw events so a backfill runs through the
// same normalize-and-load pipeline as the Kafka topics.
package csvsource

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"github.com/couchcryptid/rent-crime-etl/internal/domain"
)

// Header spellings seen across NYC Open Data, Zillow and StreetEasy exports,
// keyed by their normalized form.
var (
	crimeAliases = map[string]string{
		"cmplnt_num":     "cmplnt_num",
		"complaint_id":   "cmplnt_num",
		"id":             "cmplnt_num",
		"cmplnt_fr_dt":   "cmplnt_fr_dt",
		"complaint_date": "cmplnt_fr_dt",
		"date":           "cmplnt_fr_dt",
		"rpt_dt":         "cmplnt_fr_dt",
		"cmplnt_fr_tm":   "cmplnt_fr_tm",
		"time":           "cmplnt_fr_tm",
		"law_cat_cd":     "law_cat_cd",
		"law_category":   "law_cat_cd",
		"category":       "law_cat_cd",
		"offense_level":  "law_cat_cd",
		"addr_pct_cd":    "addr_pct_cd",
		"precinct":       "addr_pct_cd",
		"pct":            "addr_pct_cd",
		"zip":            "zip",
		"zipcode":        "zip",
		"zip_code":       "zip",
		"incident_zip":   "zip",
		"postcode":       "zip",
		"latitude":       "latitude",
		"lat":            "latitude",
		"longitude":      "longitude",
		"lon":            "longitude",
		"lng":            "longitude",
	}

	rentAliases = map[string]string{
		"zip":         "zip",
		"zipcode":     "zip",
		"zip_code":    "zip",
		"regionname":  "zip",
		"region_name": "zip",
		"date":        "date",
		"month":       "date",
		"period":      "date",
		"observed_at": "date",
		"median_rent": "median_rent",
		"medianrent":  "median_rent",
		"rent":        "median_rent",
		"value":       "median_rent",
	}
)

var wideDateLayouts = []string{"2006-01-02", "2006-01", "01/02/2006", "1/2/2006"}

// Source streams one crime or rent CSV file as raw events. It implements
// pipeline.BatchExtractor and returns io.EOF once the file is exhausted.
//
// Rent files come either long (one zip, date, rent row per observation) or
// wide (one row per ZIP with a column per month, as Zillow publishes them).
type Source struct {
	name    string
	dataset string
	closer  io.Closer
	next    func() ([]domain.RawEvent, error)
	pending []domain.RawEvent
	row     int
	done    bool
}

// Open opens path as a source for dataset.
func Open(path, dataset string) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	s, err := New(f, filepath.Base(path), dataset)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.closer = f
	return s, nil
}

// New reads the header from r and prepares a source for dataset. name
// identifies the file in event keys and logs.
func New(r io.Reader, name, dataset string) (*Source, error) {
	// Every row must have as many fields as the header; a short or long row
	// becomes a malformed event rather than ending the file.
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty file", name)
		}
		return nil, fmt.Errorf("%s: read header: %w", name, err)
	}

	s := &Source{name: name, dataset: dataset}
	switch dataset {
	case domain.DatasetCrime:
		dec, err := csvutil.NewDecoder(reader, canonicalHeader(header, crimeAliases)...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		s.next = s.decodeLong(dec, func() any { return &domain.RawCrimeRow{} })
	case domain.DatasetRent:
		canonical := canonicalHeader(header, rentAliases)
		if dates := wideDateColumns(header); !contains(canonical, "date") && len(dates) > 0 {
			zipCol := indexOf(canonical, "zip")
			if zipCol < 0 {
				return nil, fmt.Errorf("%s: wide rent file has no ZIP column", name)
			}
			s.next = s.decodeWide(reader, zipCol, dates)
			break
		}
		dec, err := csvutil.NewDecoder(reader, canonical...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		s.next = s.decodeLong(dec, func() any { return &domain.RawRentRow{} })
	default:
		return nil, fmt.Errorf("%s: unknown dataset %q", name, dataset)
	}
	return s, nil
}

// ExtractBatch returns up to batchSize events. The last batch is returned
// together with io.EOF.
func (s *Source) ExtractBatch(ctx context.Context, batchSize int) ([]domain.RawEvent, error) {
	if batchSize < 1 {
		batchSize = 1
	}
	batch := make([]domain.RawEvent, 0, batchSize)
	for len(batch) < batchSize {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if len(s.pending) == 0 {
			if s.done {
				return batch, io.EOF
			}
			events, err := s.next()
			if errors.Is(err, io.EOF) {
				s.done = true
				continue
			}
			if err != nil {
				return batch, fmt.Errorf("%s row %d: %w", s.name, s.row, err)
			}
			s.pending = events
			continue
		}
		n := min(batchSize-len(batch), len(s.pending))
		batch = append(batch, s.pending[:n]...)
		s.pending = s.pending[n:]
	}
	return batch, nil
}

// Close releases the underlying file, if Open created it.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (s *Source) decodeLong(dec *csvutil.Decoder, newRow func() any) func() ([]domain.RawEvent, error) {
	return func() ([]domain.RawEvent, error) {
		row := newRow()
		err := dec.Decode(row)
		if errors.Is(err, csv.ErrFieldCount) {
			s.row++
			return []domain.RawEvent{s.malformed()}, nil
		}
		if err != nil {
			return nil, err
		}
		s.row++
		ev, err := s.event(row, rowKey(row))
		if err != nil {
			return nil, err
		}
		return []domain.RawEvent{ev}, nil
	}
}

func (s *Source) decodeWide(reader *csv.Reader, zipCol int, dates map[int]string) func() ([]domain.RawEvent, error) {
	return func() ([]domain.RawEvent, error) {
		record, err := reader.Read()
		if errors.Is(err, csv.ErrFieldCount) {
			s.row++
			return []domain.RawEvent{s.malformed()}, nil
		}
		if err != nil {
			return nil, err
		}
		s.row++
		zip := strings.TrimSpace(record[zipCol])

		events := make([]domain.RawEvent, 0, len(dates))
		for col := 0; col < len(record); col++ {
			date, ok := dates[col]
			if !ok {
				continue
			}
			value := strings.TrimSpace(record[col])
			if value == "" {
				continue
			}
			ev, err := s.event(&domain.RawRentRow{ZIP: zip, Date: date, MedianRent: value}, "")
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		}
		return events, nil
	}
}

func (s *Source) event(row any, key string) (domain.RawEvent, error) {
	value, err := json.Marshal(row)
	if err != nil {
		return domain.RawEvent{}, fmt.Errorf("encode row: %w", err)
	}
	if key == "" {
		key = s.name + ":" + strconv.Itoa(s.row)
	}
	return domain.RawEvent{
		Key:     []byte(key),
		Value:   value,
		Headers: map[string]string{"source": s.name},
		Topic:   s.dataset,
		Offset:  int64(s.row),
	}, nil
}

// malformed returns an event with no payload, which normalization rejects.
func (s *Source) malformed() domain.RawEvent {
	return domain.RawEvent{
		Key:     []byte(s.name + ":" + strconv.Itoa(s.row)),
		Headers: map[string]string{"source": s.name},
		Topic:   s.dataset,
		Offset:  int64(s.row),
	}
}

func rowKey(row any) string {
	if c, ok := row.(*domain.RawCrimeRow); ok {
		return strings.TrimSpace(c.ID)
	}
	return ""
}

// canonicalHeader maps each column to its canonical name. Columns that are
// unknown, or repeat a canonical name already taken, keep their normalized
// name and are ignored by the decoder.
func canonicalHeader(header []string, aliases map[string]string) []string {
	out := make([]string, len(header))
	taken := make(map[string]bool)
	for i, h := range header {
		n := normalizeHeader(h)
		if c, ok := aliases[n]; ok && !taken[c] {
			taken[c] = true
			out[i] = c
			continue
		}
		out[i] = "_" + strconv.Itoa(i) + "_" + n
	}
	return out
}

func normalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "_", "-", "_", ".", "_").Replace(h)
}

// wideDateColumns returns the columns whose header is a date, keyed by
// column index.
func wideDateColumns(header []string) map[int]string {
	out := make(map[int]string)
	for i, h := range header {
		h = strings.TrimSpace(h)
		for _, layout := range wideDateLayouts {
			if t, err := time.Parse(layout, h); err == nil {
				out[i] = t.Format("2006-01-02")
				break
			}
		}
	}
	return out
}

func contains(ss []string, s string) bool { return indexOf(ss, s) >= 0 }

func indexOf(ss []string, s string) int {
	for i, v := range ss {
		if v == s {
			return i
		}
	}
	return -1
}
