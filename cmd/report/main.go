// Command report loads the crime, rent and crosswalk CSVs, runs them through
// the ingest pipeline, and prints the Danger Ratio table for one granularity
// along with the rows the normalizer rejected.
//
// Usage:
//
//	go run ./cmd/report \
//	  -crosswalk data/zip_precinct.csv \
//	  -crimes data/NYPD_Complaint_Data.csv \
//	  -rents data/median_rent.csv \
//	  -granularity borough -from 2023-01 -to 2023-12 -top 15
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/couchcryptid/rent-crime-etl/internal/adapter/csvsource"
	"github.com/couchcryptid/rent-crime-etl/internal/domain"
	"github.com/couchcryptid/rent-crime-etl/internal/observability"
	"github.com/couchcryptid/rent-crime-etl/internal/pipeline"
	"github.com/couchcryptid/rent-crime-etl/internal/service"
	"github.com/couchcryptid/rent-crime-etl/internal/store"
)

type options struct {
	crosswalk   string
	crimes      string
	rents       string
	granularity string
	from        string
	to          string
	categories  string
	top         int
	batchSize   int
	verbose     bool
}

func main() {
	var opts options
	flag.StringVar(&opts.crosswalk, "crosswalk", "", "ZIP/precinct/borough crosswalk CSV (required)")
	flag.StringVar(&opts.crimes, "crimes", "", "crime complaints CSV")
	flag.StringVar(&opts.rents, "rents", "", "median rent CSV (long or wide)")
	flag.StringVar(&opts.granularity, "granularity", "zip", "zip, precinct, borough or city")
	flag.StringVar(&opts.from, "from", "", "first month, YYYY-MM")
	flag.StringVar(&opts.to, "to", "", "last month, YYYY-MM")
	flag.StringVar(&opts.categories, "categories", "", "comma-separated categories to count (default all)")
	flag.IntVar(&opts.top, "top", 0, "print only the N areas with the highest ratio instead of every bucket")
	flag.IntVar(&opts.batchSize, "batch-size", 500, "rows per pipeline batch")
	flag.BoolVar(&opts.verbose, "v", false, "log pipeline progress")
	flag.Parse()

	if opts.crosswalk == "" {
		flag.Usage()
		os.Exit(1)
	}

	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) error {
	g, err := domain.ParseGranularity(opts.granularity)
	if err != nil {
		return err
	}
	rng, err := parseRange(opts.from, opts.to)
	if err != nil {
		return err
	}
	var cats []domain.Category
	if opts.categories != "" {
		if cats, err = service.ParseCategories(strings.Split(opts.categories, ",")); err != nil {
			return err
		}
	}

	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	metrics := observability.NewMetricsWithRegistry(prometheus.NewRegistry())

	cw, err := csvsource.LoadCrosswalk(opts.crosswalk)
	if err != nil {
		return fmt.Errorf("load crosswalk: %w", err)
	}
	st := store.NewMemory(cw)

	fmt.Fprintln(out, "=== Rent & Crime Danger Ratio Report ===")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Crosswalk: %d ZIPs, %d precincts, %d boroughs\n",
		len(cw.ZIPs()), len(cw.Precincts()), len(cw.Boroughs()))

	for _, file := range []struct{ path, dataset string }{
		{opts.crimes, domain.DatasetCrime},
		{opts.rents, domain.DatasetRent},
	} {
		if file.path == "" {
			continue
		}
		stats, err := load(ctx, file.path, file.dataset, st, opts.batchSize, logger, metrics)
		if err != nil {
			return fmt.Errorf("load %s: %w", file.path, err)
		}
		printStats(out, file.dataset, stats)
	}

	svc := service.New(st, nil, logger, metrics, nil)
	fmt.Fprintln(out)
	if opts.top > 0 {
		areas, err := svc.TopAreas(ctx, g, rng, cats, opts.top)
		if err != nil {
			return err
		}
		printTop(out, g, areas)
		return nil
	}

	buckets, err := svc.GetAggregates(ctx, g, rng, cats)
	if err != nil {
		return err
	}
	printBuckets(out, g, buckets)
	return nil
}

func load(ctx context.Context, path, dataset string, st *store.Memory, batchSize int, logger *slog.Logger, metrics *observability.Metrics) (pipeline.Stats, error) {
	src, err := csvsource.Open(path, dataset)
	if err != nil {
		return pipeline.Stats{}, err
	}
	defer src.Close()

	p := pipeline.New(src, pipeline.NewTransformer(nil), st, logger, metrics, batchSize)
	return p.Drain(ctx)
}

func parseRange(from, to string) (domain.TimeRange, error) {
	var r domain.TimeRange
	if from != "" {
		t, err := time.Parse("2006-01", from)
		if err != nil {
			return r, fmt.Errorf("invalid -from %q: want YYYY-MM", from)
		}
		r.From = t
	}
	if to != "" {
		t, err := time.Parse("2006-01", to)
		if err != nil {
			return r, fmt.Errorf("invalid -to %q: want YYYY-MM", to)
		}
		r.To = t.AddDate(0, 1, 0)
	}
	return r, nil
}

func printStats(out io.Writer, dataset string, stats pipeline.Stats) {
	fmt.Fprintf(out, "%-6s %s rows read, %s loaded, %s rejected\n", dataset+":",
		humanize.Comma(int64(stats.Consumed)),
		humanize.Comma(int64(stats.Loaded)),
		humanize.Comma(int64(stats.Rejections.Total)))
	for _, reason := range stats.Rejections.Reasons() {
		fmt.Fprintf(out, "         %-24s %s\n", reason, humanize.Comma(int64(stats.Rejections.ByReason[reason])))
	}
}

func printBuckets(out io.Writer, g domain.Granularity, buckets []domain.AggregatedBucket) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "%s\tmonth\tweighted\tmedian rent\tratio\t\n", g)
	excluded := 0
	for _, b := range buckets {
		rent, ratio := "-", "-"
		if b.MedianRent != nil {
			rent = humanize.FormatFloat("#,###.##", *b.MedianRent)
		}
		if b.HasRatio() {
			ratio = fmt.Sprintf("%.6f", *b.DangerRatio)
		} else {
			excluded++
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			b.GeoKey, b.Month.Format("2006-01"), humanize.Ftoa(b.WeightedCount), rent, ratio)
	}
	tw.Flush()
	fmt.Fprintf(out, "\n%s buckets, %s without a ratio\n",
		humanize.Comma(int64(len(buckets))), humanize.Comma(int64(excluded)))
}

func printTop(out io.Writer, g domain.Granularity, areas []domain.KeyRatio) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "rank\t%s\tmean weighted\tmean rent\tratio\tmonths\t\n", g)
	for i, a := range areas {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.6f\t%d\t\n",
			i+1, a.GeoKey, humanize.FormatFloat("#,###.##", a.MeanCount),
			humanize.FormatFloat("#,###.##", a.MeanRent), a.DangerRatio, a.MonthsCounted)
	}
	tw.Flush()
}
