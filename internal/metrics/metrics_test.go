package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/velos-memory/internal/model"
)

func TestRecordIngest(t *testing.T) {
	m := New()
	m.RecordIngest(&model.IngestReport{
		Status: model.StatusOK,
		Counts: model.IngestCounts{Input: 5, ExactDup: 1, NearDup: 1, NoiseRejected: 2, Kept: 1},
	})
	m.RecordIngest(&model.IngestReport{Status: model.StatusOK, DryRun: true, Counts: model.IngestCounts{Kept: 3}})

	assert.Equal(t, 4.0, testutil.ToFloat64(m.ingestRecords.WithLabelValues("kept")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ingestRecords.WithLabelValues("noise_rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestRuns.WithLabelValues(model.StatusOK, "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingestRuns.WithLabelValues(model.StatusOK, "false")))
}

func TestRecordSearchAndMaintenance(t *testing.T) {
	m := New()
	m.RecordSearch("keyword", false, time.Millisecond)
	m.RecordSearch("keyword", true, time.Microsecond)
	m.RecordSearch("keyword", true, time.Microsecond)
	m.RecordMaintenance("recover", model.StatusOK, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.searches.WithLabelValues("keyword", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.searches.WithLabelValues("keyword", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenanceRuns.WithLabelValues("recover", model.StatusOK)))
}

func TestStateGauges(t *testing.T) {
	m := New()
	m.SetStoreRows(10, 9)
	m.SetJournalLag(42)
	m.SetHealth("ok", "ok", "degraded", "failed")
	m.SetHealth("degraded", "ok", "degraded", "failed")
	m.SetCacheHitRate("query", 0.75)

	assert.Equal(t, 10.0, testutil.ToFloat64(m.storeRows.WithLabelValues("memory")))
	assert.Equal(t, 9.0, testutil.ToFloat64(m.storeRows.WithLabelValues("fts")))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.journalLag))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.healthState.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.healthState.WithLabelValues("degraded")))
	assert.Equal(t, 0.75, testutil.ToFloat64(m.cacheHit.WithLabelValues("query")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordHTTPRequest(http.MethodGet, "/search", "200", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `http_requests_total{method="GET",path="/search",status="200"} 1`), body)
}

func TestNoOpManager(t *testing.T) {
	m := NoOp()
	assert.False(t, m.Enabled())
	m.RecordSearch("free", false, time.Millisecond)
	m.RecordIngest(&model.IngestReport{})
	m.SetStoreRows(1, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
