package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rent_crime"

// Metrics holds the Prometheus counters, histograms, and gauges for ingest,
// aggregation, and amenity lookups.
type Metrics struct {
	// Ingest metrics. labels: dataset={crime,rent}
	RowsConsumed    *prometheus.CounterVec
	RowsLoaded      *prometheus.CounterVec
	RowsRejected    *prometheus.CounterVec // labels: dataset, reason
	PipelineRunning prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Aggregation metrics. labels: granularity={zip,precinct,borough,city}
	AggregationDuration *prometheus.HistogramVec
	UnresolvedRecords   *prometheus.GaugeVec

	// External API metrics. labels: service={geocode,places,distance}
	ExternalRequests *prometheus.CounterVec // labels: service, outcome={success,error}
	ExternalDuration *prometheus.HistogramVec
	AmenityCache     *prometheus.CounterVec // labels: cache={geocode,places}, result={hit,miss}
	AmenityCoalesced *prometheus.CounterVec // labels: cache
	DistanceDegraded prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		RowsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_consumed_total",
			Help:      "Total source rows read, by dataset.",
		}, []string{"dataset"}),
		RowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Total normalized rows added to the record store, by dataset.",
		}, []string{"dataset"}),
		RowsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_rejected_total",
			Help:      "Rows dropped by the schema normalizer, by dataset and reason.",
		}, []string{"dataset", "reason"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 when the ingest pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of rows per ingested batch.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100, 500, 1000},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete extract-normalize-load cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		AggregationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregation_duration_seconds",
			Help:      "Time to recompute Danger Ratio buckets for one query.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"granularity"}),
		UnresolvedRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unresolved_records",
			Help:      "Crime records the crosswalk could not place in the latest aggregation.",
		}, []string{"granularity"}),
		ExternalRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_requests_total",
			Help:      "Geocoding, places, and distance API calls by outcome.",
		}, []string{"service", "outcome"}),
		ExternalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "external_request_duration_seconds",
			Help:      "External API call duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"service"}),
		AmenityCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amenity_cache_total",
			Help:      "Amenity cache lookups by cache and result.",
		}, []string{"cache", "result"}),
		AmenityCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "amenity_coalesced_total",
			Help:      "Lookups that shared another caller's in-flight request.",
		}, []string{"cache"}),
		DistanceDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distance_degraded_total",
			Help:      "Category lookups served with straight-line distances only.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RowsConsumed,
		m.RowsLoaded,
		m.RowsRejected,
		m.PipelineRunning,
		m.BatchSize,
		m.BatchProcessingDuration,
		m.AggregationDuration,
		m.UnresolvedRecords,
		m.ExternalRequests,
		m.ExternalDuration,
		m.AmenityCache,
		m.AmenityCoalesced,
		m.DistanceDegraded,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates Metrics registered with reg. Offline tools
// pass a private registry since nothing scrapes them.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered with a fresh registry to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}
