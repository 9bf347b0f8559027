package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Amenity providers.
const (
	ProviderGoogle   = "google"
	ProviderOverpass = "overpass"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	BatchSize          int
	BatchFlushInterval time.Duration

	// Source files. The crosswalk is required; crime and rent files are
	// backfilled at startup when set.
	CrimeCSV     string
	RentCSV      string
	CrosswalkCSV string

	KafkaEnabled     bool
	KafkaBrokers     []string
	KafkaCrimeTopic  string
	KafkaRentTopic   string
	KafkaRejectTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string

	// Amenity lookups.
	GoogleMapsAPIKey  string
	AmenityProvider   string
	OverpassEndpoint  string
	OverpassRateLimit float64
	ExternalTimeout   time.Duration
	PlacesCacheTTL    time.Duration
	AmenityCacheSize  int
	GeocodeCacheSize  int

	MaxCentroidDistanceKm float64
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	externalTimeout, err := parseDuration("EXTERNAL_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	placesTTL, err := parseDuration("PLACES_CACHE_TTL", "24h")
	if err != nil {
		return nil, err
	}
	amenityCacheSize, err := parsePositiveInt("AMENITY_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	geocodeCacheSize, err := parsePositiveInt("GEOCODE_CACHE_SIZE", 1000)
	if err != nil {
		return nil, err
	}
	overpassRate, err := parsePositiveFloat("OVERPASS_RATE_LIMIT", 1)
	if err != nil {
		return nil, err
	}
	maxCentroid, err := parsePositiveFloat("MAX_CENTROID_DISTANCE_KM", 3)
	if err != nil {
		return nil, err
	}

	apiKey := os.Getenv("GOOGLE_MAPS_API_KEY")
	provider := ProviderOverpass
	if apiKey != "" {
		provider = ProviderGoogle
	}
	if v := os.Getenv("AMENITY_PROVIDER"); v != "" {
		provider = strings.ToLower(strings.TrimSpace(v))
	}

	cfg := &Config{
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		CrimeCSV:     os.Getenv("CRIME_CSV"),
		RentCSV:      os.Getenv("RENT_CSV"),
		CrosswalkCSV: os.Getenv("CROSSWALK_CSV"),

		KafkaEnabled:     os.Getenv("KAFKA_ENABLED") == "true",
		KafkaBrokers:     sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaCrimeTopic:  sharedcfg.EnvOrDefault("KAFKA_CRIME_TOPIC", "raw-crime-complaints"),
		KafkaRentTopic:   sharedcfg.EnvOrDefault("KAFKA_RENT_TOPIC", "raw-median-rents"),
		KafkaRejectTopic: os.Getenv("KAFKA_REJECT_TOPIC"),
		KafkaSinkTopic:   os.Getenv("KAFKA_SINK_TOPIC"),
		KafkaGroupID:     sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "rent-crime-etl"),

		GoogleMapsAPIKey:  apiKey,
		AmenityProvider:   provider,
		OverpassEndpoint:  sharedcfg.EnvOrDefault("OVERPASS_ENDPOINT", "https://overpass-api.de/api/interpreter"),
		OverpassRateLimit: overpassRate,
		ExternalTimeout:   externalTimeout,
		PlacesCacheTTL:    placesTTL,
		AmenityCacheSize:  amenityCacheSize,
		GeocodeCacheSize:  geocodeCacheSize,

		MaxCentroidDistanceKm: maxCentroid,
	}

	if cfg.CrosswalkCSV == "" {
		return nil, errors.New("CROSSWALK_CSV is required")
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required")
		}
		if cfg.KafkaCrimeTopic == "" || cfg.KafkaRentTopic == "" {
			return nil, errors.New("KAFKA_CRIME_TOPIC and KAFKA_RENT_TOPIC are required")
		}
		if cfg.KafkaCrimeTopic == cfg.KafkaRentTopic {
			return nil, errors.New("KAFKA_CRIME_TOPIC and KAFKA_RENT_TOPIC must differ")
		}
	}
	switch cfg.AmenityProvider {
	case ProviderGoogle:
		if cfg.GoogleMapsAPIKey == "" {
			return nil, errors.New("AMENITY_PROVIDER is google but GOOGLE_MAPS_API_KEY is not set")
		}
	case ProviderOverpass:
	default:
		return nil, fmt.Errorf("invalid AMENITY_PROVIDER %q: must be google or overpass", cfg.AmenityProvider)
	}

	return cfg, nil
}

func parseDuration(key, fallback string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, fallback))
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive duration", key)
	}
	return d, nil
}

func parsePositiveInt(key string, fallback int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}

func parsePositiveFloat(key string, fallback float64) (float64, error) {
	s := os.Getenv(key)
	if s == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: must be a positive number", key)
	}
	return f, nil
}
