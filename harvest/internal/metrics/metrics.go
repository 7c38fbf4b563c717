package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_harvest_runs_total",
			Help: "Total number of harvest and discovery runs",
		},
		[]string{"job", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sprout_harvest_run_duration_seconds",
			Help:    "Duration of harvest and discovery runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3000},
		},
		[]string{"job"},
	)

	// Source metrics
	SourcesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_harvest_sources_total",
			Help: "Total number of sources processed by outcome",
		},
		[]string{"outcome"},
	)

	ContentTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sprout_harvest_content_truncations_total",
			Help: "Total number of source pages truncated before extraction",
		},
	)

	// Extraction metrics
	ExtractionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sprout_harvest_extraction_duration_seconds",
			Help:    "Duration of extraction calls in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_harvest_rate_limit_hits_total",
			Help: "Total number of extraction quota hits",
		},
		[]string{"key"},
	)

	// Event metrics
	EventsAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sprout_harvest_events_added_total",
			Help: "Total number of events written to the store",
		},
	)

	CandidatesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_harvest_candidates_rejected_total",
			Help: "Total number of extracted candidates dropped by reason",
		},
		[]string{"reason"},
	)

	EventsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sprout_harvest_events_purged_total",
			Help: "Total number of expired events removed from the store",
		},
	)

	// Geocoding metrics
	GeocodeLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sprout_harvest_geocode_lookups_total",
			Help: "Total number of geocode resolutions by result",
		},
		[]string{"result"},
	)

	// Discovery metrics
	SourcesRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sprout_harvest_sources_registered_total",
			Help: "Total number of sources registered by discovery",
		},
	)
)
