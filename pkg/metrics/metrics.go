// Package metrics exposes Prometheus instrumentation for the transfer
// engines. A nil *Metrics is valid and turns every recording call into
// a no-op, so the engines never need to know whether metrics are
// enabled.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks transfer-level Prometheus metrics.
//
// All metrics use the usenetsync_ prefix.
type Metrics struct {
	// SegmentsPostedTotal counts POST attempts by outcome.
	SegmentsPostedTotal *prometheus.CounterVec

	// SegmentsFetchedTotal counts article fetches by outcome.
	SegmentsFetchedTotal *prometheus.CounterVec

	// BytesUploadedTotal counts article bytes put on the wire.
	BytesUploadedTotal prometheus.Counter

	// BytesDownloadedTotal counts article bytes received.
	BytesDownloadedTotal prometheus.Counter

	// PostDuration tracks POST latency distribution.
	PostDuration prometheus.Histogram

	// FetchDuration tracks BODY latency distribution.
	FetchDuration prometheus.Histogram

	// QueueDepth tracks in-flight work items per direction.
	QueueDepth *prometheus.GaugeVec

	// CacheBytes tracks segment cache occupancy.
	CacheBytes prometheus.Gauge

	// CacheEvictionsTotal counts segment cache evictions.
	CacheEvictionsTotal prometheus.Counter

	registry *prometheus.Registry
}

// New creates and registers the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		SegmentsPostedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usenetsync_segments_posted_total",
				Help: "Total segment POST attempts by outcome",
			},
			[]string{"outcome"}, // "ok", "retry", "failed"
		),
		SegmentsFetchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usenetsync_segments_fetched_total",
				Help: "Total segment fetches by outcome",
			},
			[]string{"outcome"},
		),
		BytesUploadedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "usenetsync_bytes_uploaded_total",
				Help: "Total article bytes posted",
			},
		),
		BytesDownloadedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "usenetsync_bytes_downloaded_total",
				Help: "Total article bytes fetched",
			},
		),
		PostDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "usenetsync_post_duration_seconds",
				Help:    "Segment POST duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		FetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "usenetsync_fetch_duration_seconds",
				Help:    "Segment fetch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "usenetsync_queue_depth",
				Help: "In-flight work items per direction",
			},
			[]string{"direction"}, // "upload", "download"
		),
		CacheBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "usenetsync_cache_bytes",
				Help: "Segment cache occupancy in bytes",
			},
		),
		CacheEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "usenetsync_cache_evictions_total",
				Help: "Total segment cache evictions",
			},
		),
		registry: reg,
	}
	reg.MustRegister(
		m.SegmentsPostedTotal, m.SegmentsFetchedTotal,
		m.BytesUploadedTotal, m.BytesDownloadedTotal,
		m.PostDuration, m.FetchDuration,
		m.QueueDepth, m.CacheBytes, m.CacheEvictionsTotal,
	)
	return m
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve starts a scrape endpoint on the given port. It blocks until
// the listener fails.
func (m *Metrics) Serve(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}

// RecordPost records one POST attempt.
func (m *Metrics) RecordPost(outcome string, bytes int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SegmentsPostedTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.BytesUploadedTotal.Add(float64(bytes))
		m.PostDuration.Observe(elapsed.Seconds())
	}
}

// RecordFetch records one article fetch.
func (m *Metrics) RecordFetch(outcome string, bytes int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SegmentsFetchedTotal.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.BytesDownloadedTotal.Add(float64(bytes))
		m.FetchDuration.Observe(elapsed.Seconds())
	}
}

// SetQueueDepth updates the in-flight gauge for one direction.
func (m *Metrics) SetQueueDepth(direction string, n int) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(direction).Set(float64(n))
}

// RecordCache updates cache occupancy after an insert or eviction.
func (m *Metrics) RecordCache(bytes int64, evicted int) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(bytes))
	if evicted > 0 {
		m.CacheEvictionsTotal.Add(float64(evicted))
	}
}
