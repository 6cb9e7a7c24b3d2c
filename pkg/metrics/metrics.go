// Package metrics defines the Prometheus metric collectors used across the
// platform and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the platform. Each binary
// only moves the collectors for the components it runs.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	EventsConsumedTotal    prometheus.Counter
	EventsRejectedTotal    *prometheus.CounterVec
	AssumedUTCTotal        *prometheus.CounterVec
	PartitionsWrittenTotal *prometheus.CounterVec
	IngestRetriesTotal     *prometheus.CounterVec
	OffsetsCommittedTotal  prometheus.Counter
	ConsumerLag            prometheus.Gauge

	MaterializationRunsTotal *prometheus.CounterVec
	MaterializedRecords      *prometheus.CounterVec
	MaterializationDuration  *prometheus.HistogramVec
	PartitionsReadTotal      *prometheus.CounterVec

	CacheLookupsTotal   *prometheus.CounterVec
	FeatureMissingTotal *prometheus.CounterVec

	MatchRequestLatency     prometheus.Histogram
	MatchRequestsTotal      *prometheus.CounterVec
	MatchErrorsTotal        *prometheus.CounterVec
	PredictionScores        prometheus.Histogram
	FeatureValues           *prometheus.HistogramVec
	FeatureDrift            *prometheus.GaugeVec
	CandidatesExcludedTotal *prometheus.CounterVec
	ActiveModel             *prometheus.GaugeVec
	ModelSwapsTotal         prometheus.Counter
	DecisionsDroppedTotal   prometheus.Counter

	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all collectors and registers them with the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all collectors and registers them with reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	latencyBuckets := []float64{0.001, 0.0025, 0.005, 0.0075, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: latencyBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		EventsConsumedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_events_consumed_total",
				Help: "Events fetched from the stream.",
			},
		),
		EventsRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_events_rejected_total",
				Help: "Events rejected at the ingestion boundary by reason.",
			},
			[]string{"reason"},
		),
		AssumedUTCTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "timestamps_assumed_utc_total",
				Help: "Zone-less timestamps interpreted as UTC, by stage.",
			},
			[]string{"stage"},
		),
		PartitionsWrittenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_partitions_written_total",
				Help: "Snapshot partitions written by entity type and status.",
			},
			[]string{"entity_type", "status"},
		),
		IngestRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_retries_total",
				Help: "Retried ingestion operations by operation.",
			},
			[]string{"operation"},
		),
		OffsetsCommittedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_offsets_committed_total",
				Help: "Stream messages whose offsets were committed.",
			},
		),
		ConsumerLag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_consumer_lag",
				Help: "Messages behind the head of the stream as last reported.",
			},
		),
		MaterializationRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "materialization_runs_total",
				Help: "Materialization runs by feature group and status.",
			},
			[]string{"feature_group", "status"},
		),
		MaterializedRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "materialized_records_total",
				Help: "Feature records written to the online cache.",
			},
			[]string{"feature_group"},
		),
		MaterializationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "materialization_duration_seconds",
				Help:    "Wall time of a materialization run.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"feature_group"},
		),
		PartitionsReadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "snapshot_partitions_read_total",
				Help: "Snapshot partitions read by materialization runs.",
			},
			[]string{"feature_group"},
		),
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "online_cache_lookups_total",
				Help: "Online cache lookups by feature group and outcome.",
			},
			[]string{"feature_group", "outcome"},
		),
		FeatureMissingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feature_missing_total",
				Help: "Requested feature values that came back missing.",
			},
			[]string{"feature", "reason"},
		),
		MatchRequestLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "match_request_latency_seconds",
				Help:    "Latency of ranking requests.",
				Buckets: latencyBuckets,
			},
		),
		MatchRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_requests_total",
				Help: "Ranking requests by terminal state.",
			},
			[]string{"state"},
		),
		MatchErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "match_errors_total",
				Help: "Ranking request failures by error type.",
			},
			[]string{"error_type"},
		),
		PredictionScores: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prediction_scores",
				Help:    "Distribution of candidate scores.",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),
		FeatureValues: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feature_values",
				Help:    "Distribution of model input values at serving time.",
				Buckets: prometheus.ExponentialBuckets(0.01, 3, 12),
			},
			[]string{"feature"},
		),
		FeatureDrift: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "feature_drift_score",
				Help: "Relative p95 delta from the training baseline.",
			},
			[]string{"feature"},
		),
		CandidatesExcludedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candidates_excluded_total",
				Help: "Candidates dropped before scoring by reason.",
			},
			[]string{"reason"},
		),
		ActiveModel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_model_info",
				Help: "1 for the model version currently serving.",
			},
			[]string{"version"},
		),
		ModelSwapsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "model_swaps_total",
				Help: "Times the active model reference was replaced.",
			},
		),
		DecisionsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ranking_decisions_dropped_total",
				Help: "Ranking decisions not logged because the buffer was full.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.EventsConsumedTotal,
		m.EventsRejectedTotal,
		m.AssumedUTCTotal,
		m.PartitionsWrittenTotal,
		m.IngestRetriesTotal,
		m.OffsetsCommittedTotal,
		m.ConsumerLag,
		m.MaterializationRunsTotal,
		m.MaterializedRecords,
		m.MaterializationDuration,
		m.PartitionsReadTotal,
		m.CacheLookupsTotal,
		m.FeatureMissingTotal,
		m.MatchRequestLatency,
		m.MatchRequestsTotal,
		m.MatchErrorsTotal,
		m.PredictionScores,
		m.FeatureValues,
		m.FeatureDrift,
		m.CandidatesExcludedTotal,
		m.ActiveModel,
		m.ModelSwapsTotal,
		m.DecisionsDroppedTotal,
		m.CircuitBreakerState,
	)

	return m
}

// NewNop returns collectors registered on a throwaway registry, for tests
// and tools that do not expose /metrics.
func NewNop() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
