// Package metrics provides Prometheus metrics for sheetvc.
//
// All collectors are registered on the registry passed to New, never on the
// global default registry. Methods are safe to call on a nil *Metrics, so
// engines can run without instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for sheetvc.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	IngestsInFlight     prometheus.Gauge

	// Content metrics
	ContentPutsTotal *prometheus.CounterVec
	ContentPutBytes  prometheus.Histogram
	VersionsCreated  prometheus.Counter
	MergedVersions   prometheus.Counter

	// Diff metrics
	DiffDuration      *prometheus.HistogramVec
	DiffCacheRequests *prometheus.CounterVec

	// Merge metrics
	ConflictsDetected    *prometheus.CounterVec
	MergeRequestStatuses *prometheus.CounterVec
	MergeRequestsPurged  prometheus.Counter
}

// New creates the metrics and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	m := NewWithRegistry(reg)
	m.registry = reg
	return m
}

// NewWithRegistry registers the metrics on reg.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	m.HTTPRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetvc_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sheetvc_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.IngestsInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "sheetvc_ingests_in_flight",
			Help: "Number of version uploads currently being processed",
		},
	)

	m.ContentPutsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetvc_content_puts_total",
			Help: "Total number of content store writes by outcome",
		},
		[]string{"result"},
	)

	m.ContentPutBytes = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sheetvc_content_put_bytes",
			Help:    "Size of canonical grids written to the content store",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	m.VersionsCreated = f.NewCounter(
		prometheus.CounterOpts{
			Name: "sheetvc_versions_created_total",
			Help: "Total number of versions created by upload",
		},
	)

	m.MergedVersions = f.NewCounter(
		prometheus.CounterOpts{
			Name: "sheetvc_merged_versions_total",
			Help: "Total number of merge versions created",
		},
	)

	m.DiffDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sheetvc_diff_duration_seconds",
			Help:    "Duration of diff computations in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"alignment"},
	)

	m.DiffCacheRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetvc_diff_cache_requests_total",
			Help: "Diff cache lookups by result",
		},
		[]string{"result"},
	)

	m.ConflictsDetected = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetvc_conflicts_detected_total",
			Help: "Total number of conflicts detected by type",
		},
		[]string{"type"},
	)

	m.MergeRequestStatuses = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sheetvc_merge_request_transitions_total",
			Help: "Merge request status transitions by target status",
		},
		[]string{"status"},
	)

	m.MergeRequestsPurged = f.NewCounter(
		prometheus.CounterOpts{
			Name: "sheetvc_merge_requests_purged_total",
			Help: "Total number of closed merge requests removed by retention",
		},
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// IngestStarted and IngestFinished track uploads holding a slot.
func (m *Metrics) IngestStarted() {
	if m == nil {
		return
	}
	m.IngestsInFlight.Inc()
}

func (m *Metrics) IngestFinished() {
	if m == nil {
		return
	}
	m.IngestsInFlight.Dec()
}

// ObserveContentPut records a content store write.
func (m *Metrics) ObserveContentPut(deduplicated bool, size int) {
	if m == nil {
		return
	}
	result := "created"
	if deduplicated {
		result = "deduplicated"
	}
	m.ContentPutsTotal.WithLabelValues(result).Inc()
	m.ContentPutBytes.Observe(float64(size))
}

func (m *Metrics) VersionCreated() {
	if m == nil {
		return
	}
	m.VersionsCreated.Inc()
}

func (m *Metrics) MergedVersion() {
	if m == nil {
		return
	}
	m.MergedVersions.Inc()
}

// ObserveDiff records a computed (not cached) diff.
func (m *Metrics) ObserveDiff(alignment string, d time.Duration) {
	if m == nil {
		return
	}
	m.DiffDuration.WithLabelValues(alignment).Observe(d.Seconds())
}

func (m *Metrics) DiffCacheResult(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.DiffCacheRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ConflictDetected(conflictType string) {
	if m == nil {
		return
	}
	m.ConflictsDetected.WithLabelValues(conflictType).Inc()
}

func (m *Metrics) MergeRequestStatus(status string) {
	if m == nil {
		return
	}
	m.MergeRequestStatuses.WithLabelValues(status).Inc()
}

func (m *Metrics) MergeRequestsRemoved(n int) {
	if m == nil {
		return
	}
	m.MergeRequestsPurged.Add(float64(n))
}
