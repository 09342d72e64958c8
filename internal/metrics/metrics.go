package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the index subsystem.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Sync metrics
	SyncsTotal            *prometheus.CounterVec
	SyncDuration          prometheus.Histogram
	DocumentsIndexedTotal prometheus.Counter
	EmbeddingFailures     *prometheus.CounterVec

	// Search metrics
	SearchesTotal  *prometheus.CounterVec
	SearchDuration prometheus.Histogram

	// Index state
	IndexDocuments prometheus.Gauge
	Watermark      prometheus.Gauge

	// Checkpoint metrics
	CheckpointSaveDuration prometheus.Histogram
	CheckpointSaveErrors   prometheus.Counter
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		SyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_syncs_total",
				Help: "Total number of index sync passes by status.",
			},
			[]string{"status"},
		),
		SyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_sync_duration_seconds",
				Help:    "Duration of index sync passes in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		DocumentsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_documents_indexed_total",
				Help: "Total number of chat messages added to the index.",
			},
		),
		EmbeddingFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_embedding_failures_total",
				Help: "Total embedding failures by reason.",
			},
			[]string{"reason"},
		),

		SearchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_searches_total",
				Help: "Total searches by status (ok, degraded).",
			},
			[]string{"status"},
		),
		SearchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_search_duration_seconds",
				Help:    "Search duration in seconds, including the freshness sync.",
				Buckets: prometheus.DefBuckets,
			},
		),

		IndexDocuments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_documents",
				Help: "Number of documents currently in the index.",
			},
		),
		Watermark: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_last_indexed_id",
				Help: "Highest chat message id known to be indexed.",
			},
		),

		CheckpointSaveDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_checkpoint_save_duration_seconds",
				Help:    "Checkpoint save duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		CheckpointSaveErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_checkpoint_save_errors_total",
				Help: "Total failed checkpoint saves.",
			},
		),
	}

	m.registerMetrics()

	return m
}

// registerMetrics registers all metrics with the registry
func (m *Metrics) registerMetrics() {
	m.registry.MustRegister(
		m.SyncsTotal,
		m.SyncDuration,
		m.DocumentsIndexedTotal,
		m.EmbeddingFailures,
		m.SearchesTotal,
		m.SearchDuration,
		m.IndexDocuments,
		m.Watermark,
		m.CheckpointSaveDuration,
		m.CheckpointSaveErrors,
	)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSync records one sync pass
func (m *Metrics) RecordSync(duration time.Duration, indexed int, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SyncsTotal.WithLabelValues(status).Inc()
	m.SyncDuration.Observe(duration.Seconds())
	m.DocumentsIndexedTotal.Add(float64(indexed))
}

// RecordEmbeddingFailure counts a failed embedding call
func (m *Metrics) RecordEmbeddingFailure(reason string) {
	if m == nil {
		return
	}
	m.EmbeddingFailures.WithLabelValues(reason).Inc()
}

// RecordSearch records one search call
func (m *Metrics) RecordSearch(duration time.Duration, degraded bool) {
	if m == nil {
		return
	}
	status := "ok"
	if degraded {
		status = "degraded"
	}
	m.SearchesTotal.WithLabelValues(status).Inc()
	m.SearchDuration.Observe(duration.Seconds())
}

// SetIndexState updates the document count and watermark gauges
func (m *Metrics) SetIndexState(documents int, lastIndexedID int64) {
	if m == nil {
		return
	}
	m.IndexDocuments.Set(float64(documents))
	m.Watermark.Set(float64(lastIndexedID))
}

// RecordCheckpointSave records a checkpoint write
func (m *Metrics) RecordCheckpointSave(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.CheckpointSaveDuration.Observe(duration.Seconds())
	if err != nil {
		m.CheckpointSaveErrors.Inc()
	}
}
