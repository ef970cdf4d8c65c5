package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveHTTP("GET", "/x", 200, time.Millisecond)
		m.IngestStarted()
		m.IngestFinished()
		m.ObserveContentPut(true, 10)
		m.VersionCreated()
		m.MergedVersion()
		m.ObserveDiff("positional", time.Millisecond)
		m.DiffCacheResult(true)
		m.ConflictDetected("cell_value")
		m.MergeRequestStatus("pending")
		m.MergeRequestsRemoved(3)
	})
}

func TestCounters(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ObserveContentPut(false, 100)
	m.ObserveContentPut(true, 100)
	m.ObserveContentPut(true, 100)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ContentPutsTotal.WithLabelValues("created")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ContentPutsTotal.WithLabelValues("deduplicated")))

	m.DiffCacheResult(false)
	m.DiffCacheResult(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiffCacheRequests.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DiffCacheRequests.WithLabelValues("miss")))

	m.ConflictDetected("structural")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConflictsDetected.WithLabelValues("structural")))

	m.MergeRequestsRemoved(4)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.MergeRequestsPurged))

	m.IngestStarted()
	m.IngestStarted()
	m.IngestFinished()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestsInFlight))
}

func TestObserveHTTP_UnmatchedRoute(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.ObserveHTTP("GET", "", 404, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.VersionCreated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "sheetvc_versions_created_total 1"))
}

func TestHandler_WithoutOwnRegistry(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
