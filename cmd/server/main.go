package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/rent-crime-etl/internal/adapter/csvsource"
	"github.com/couchcryptid/rent-crime-etl/internal/adapter/googlemaps"
	"github.com/couchcryptid/rent-crime-etl/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/rent-crime-etl/internal/adapter/kafka"
	"github.com/couchcryptid/rent-crime-etl/internal/adapter/overpass"
	"github.com/couchcryptid/rent-crime-etl/internal/amenity"
	"github.com/couchcryptid/rent-crime-etl/internal/config"
	"github.com/couchcryptid/rent-crime-etl/internal/domain"
	"github.com/couchcryptid/rent-crime-etl/internal/observability"
	"github.com/couchcryptid/rent-crime-etl/internal/pipeline"
	"github.com/couchcryptid/rent-crime-etl/internal/service"
	"github.com/couchcryptid/rent-crime-etl/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	cw, err := csvsource.LoadCrosswalk(cfg.CrosswalkCSV, domain.WithMaxCentroidDistance(cfg.MaxCentroidDistanceKm))
	if err != nil {
		logger.Error("failed to load crosswalk", "path", cfg.CrosswalkCSV, "error", err)
		os.Exit(1)
	}
	logger.Info("crosswalk loaded", "zips", len(cw.ZIPs()), "precincts", len(cw.Precincts()), "boroughs", len(cw.Boroughs()))

	st := store.NewMemory(cw)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rejectSink *kafkaadapter.Writer
	if cfg.KafkaEnabled && cfg.KafkaRejectTopic != "" {
		rejectSink = kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaRejectTopic)
	}

	// Backfill from files before serving.
	for _, file := range []struct{ path, dataset string }{
		{cfg.CrimeCSV, domain.DatasetCrime},
		{cfg.RentCSV, domain.DatasetRent},
	} {
		if file.path == "" {
			continue
		}
		if err := backfill(ctx, file.path, file.dataset, st, rejectSink, cfg, logger, metrics); err != nil {
			logger.Error("backfill failed", "path", file.path, "dataset", file.dataset, "error", err)
			os.Exit(1)
		}
	}

	resolver, err := newAmenityResolver(cfg, cw, logger, metrics)
	if err != nil {
		logger.Error("failed to configure amenity lookups", "error", err)
		os.Exit(1)
	}

	svc := service.New(st, resolver, logger, metrics, nil)
	srv := httpadapter.NewServer(cfg.HTTPAddr, st, svc, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start live ingest.
	var reader *kafkaadapter.Reader
	var sink *kafkaadapter.Writer
	if cfg.KafkaEnabled {
		reader = kafkaadapter.NewReader(cfg, logger)
		loaders := pipeline.Loaders{st}
		if cfg.KafkaSinkTopic != "" {
			sink = kafkaadapter.NewWriter(cfg.KafkaBrokers, cfg.KafkaSinkTopic)
			loaders = append(loaders, sink)
		}
		transformer := pipeline.NewTransformer(map[string]string{
			cfg.KafkaCrimeTopic: domain.DatasetCrime,
			cfg.KafkaRentTopic:  domain.DatasetRent,
		})

		var opts []pipeline.Option
		if rejectSink != nil {
			opts = append(opts, pipeline.WithRejectSink(rejectSink))
		}
		p := pipeline.New(reader, transformer, loaders, logger, metrics, cfg.BatchSize, opts...)

		go func() {
			if err := p.Run(ctx); err != nil {
				logger.Error("pipeline error", "error", err)
			}
		}()
	} else {
		logger.Info("kafka ingest disabled")
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if reader != nil {
		if err := reader.Close(); err != nil {
			logger.Error("kafka reader close error", "error", err)
		}
	}
	for _, w := range []*kafkaadapter.Writer{sink, rejectSink} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// backfill drains one CSV file into the store.
func backfill(ctx context.Context, path, dataset string, st *store.Memory, rejectSink *kafkaadapter.Writer, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) error {
	src, err := csvsource.Open(path, dataset)
	if err != nil {
		return err
	}
	defer src.Close()

	var opts []pipeline.Option
	if rejectSink != nil {
		opts = append(opts, pipeline.WithRejectSink(rejectSink))
	}
	p := pipeline.New(src, pipeline.NewTransformer(nil), st, logger, metrics, cfg.BatchSize, opts...)

	stats, err := p.Drain(ctx)
	if err != nil {
		return err
	}
	logger.Info("backfill complete",
		"path", path,
		"dataset", dataset,
		"consumed", stats.Consumed,
		"loaded", stats.Loaded,
		"rejected", stats.Rejections.Total,
	)
	return nil
}

// newAmenityResolver wires the configured places, distance and geocoding
// providers. Google answers all three; Overpass only lists places, so ZIPs are
// geocoded from crosswalk centroids and distances are straight-line.
func newAmenityResolver(cfg *config.Config, cw *domain.Crosswalk, logger *slog.Logger, metrics *observability.Metrics) (*amenity.Resolver, error) {
	centroids := amenity.NewCentroidGeocoder(cw)
	resolverCfg := amenity.Config{
		ExternalTimeout:  cfg.ExternalTimeout,
		PlacesTTL:        cfg.PlacesCacheTTL,
		PlacesCacheSize:  cfg.AmenityCacheSize,
		GeocodeCacheSize: cfg.GeocodeCacheSize,
	}

	var (
		geocoder amenity.Geocoder
		places   amenity.PlacesProvider
		distance amenity.DistanceProvider
	)
	switch cfg.AmenityProvider {
	case config.ProviderGoogle:
		client, err := googlemaps.NewClient(cfg.GoogleMapsAPIKey, cfg.ExternalTimeout, logger)
		if err != nil {
			return nil, err
		}
		geocoder = amenity.NewFallbackGeocoder(client, centroids)
		places = client
		distance = client
	default:
		geocoder = centroids
		places = overpass.NewClient(cfg.OverpassEndpoint, cfg.ExternalTimeout, cfg.OverpassRateLimit)
		resolverCfg.Categories = overpass.Categories()
	}

	logger.Info("amenity lookups enabled",
		"provider", cfg.AmenityProvider,
		"places_cache_size", cfg.AmenityCacheSize,
		"places_ttl", cfg.PlacesCacheTTL,
	)
	return amenity.NewResolver(geocoder, places, distance, resolverCfg, nil, logger, metrics), nil
}
