// Package metrics provides Prometheus instrumentation for velos.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcliao/velos-memory/internal/model"
)

// Manager owns the velos metric collectors and their registry. A disabled
// manager accepts every call and records nothing.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	ingestRecords *prometheus.CounterVec
	ingestRuns    *prometheus.CounterVec

	searches       *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec

	maintenanceRuns     *prometheus.CounterVec
	maintenanceDuration *prometheus.HistogramVec

	storeRows   *prometheus.GaugeVec
	journalLag  prometheus.Gauge
	healthState *prometheus.GaugeVec
	cacheHit    *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates an enabled manager with its own registry.
func New() *Manager {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{registry: registry, enabled: true}
	m.initIngest()
	m.initSearch()
	m.initMaintenance()
	m.initState()
	m.initHTTP()
	return m
}

// NoOp returns a disabled manager.
func NoOp() *Manager {
	return &Manager{}
}

// Enabled reports whether metrics are collected.
func (m *Manager) Enabled() bool {
	return m != nil && m.enabled
}

// Registry exposes the underlying registry.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Manager) Handler() http.Handler {
	if !m.Enabled() {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Manager) initIngest() {
	m.ingestRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velos_ingest_records_total",
			Help: "Records seen by ingestion, by outcome",
		},
		[]string{"outcome"},
	)
	m.ingestRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velos_ingest_runs_total",
			Help: "Ingestion passes, by status",
		},
		[]string{"status", "dry_run"},
	)
	m.registry.MustRegister(m.ingestRecords, m.ingestRuns)
}

func (m *Manager) initSearch() {
	m.searches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velos_search_total",
			Help: "Routed searches, by class and cache outcome",
		},
		[]string{"class", "cached"},
	)
	m.searchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "velos_search_duration_seconds",
			Help:    "Routed search latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"class"},
	)
	m.registry.MustRegister(m.searches, m.searchDuration)
}

func (m *Manager) initMaintenance() {
	m.maintenanceRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "velos_maintenance_runs_total",
			Help: "Maintenance runs, by kind and status",
		},
		[]string{"kind", "status"},
	)
	m.maintenanceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "velos_maintenance_duration_seconds",
			Help:    "Maintenance run duration",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 300},
		},
		[]string{"kind"},
	)
	m.registry.MustRegister(m.maintenanceRuns, m.maintenanceDuration)
}

func (m *Manager) initState() {
	m.storeRows = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "velos_store_rows",
			Help: "Rows in the memory table and the full-text index",
		},
		[]string{"table"},
	)
	m.journalLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "velos_journal_lag_bytes",
			Help: "Journal bytes not yet applied to the store",
		},
	)
	m.healthState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "velos_health_status",
			Help: "1 for the current health status, 0 otherwise",
		},
		[]string{"status"},
	)
	m.cacheHit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "velos_cache_hit_ratio",
			Help: "Cache hit rate since start",
		},
		[]string{"cache"},
	)
	m.registry.MustRegister(m.storeRows, m.journalLag, m.healthState, m.cacheHit)
}

func (m *Manager) initHTTP() {
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "path"},
	)
	m.registry.MustRegister(m.httpRequests, m.httpDuration)
}

// RecordIngest records the counts of one ingestion pass.
func (m *Manager) RecordIngest(rep *model.IngestReport) {
	if !m.Enabled() || rep == nil {
		return
	}
	c := rep.Counts
	m.ingestRecords.WithLabelValues("kept").Add(float64(c.Kept))
	m.ingestRecords.WithLabelValues("exact_dup").Add(float64(c.ExactDup))
	m.ingestRecords.WithLabelValues("near_dup").Add(float64(c.NearDup))
	m.ingestRecords.WithLabelValues("noise_rejected").Add(float64(c.NoiseRejected))
	m.ingestRecords.WithLabelValues("error").Add(float64(c.Errors))
	m.ingestRuns.WithLabelValues(rep.Status, strconv.FormatBool(rep.DryRun)).Inc()
}

// RecordSearch records one routed search.
func (m *Manager) RecordSearch(class string, cached bool, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.searches.WithLabelValues(class, strconv.FormatBool(cached)).Inc()
	m.searchDuration.WithLabelValues(class).Observe(d.Seconds())
}

// RecordMaintenance records one maintenance run.
func (m *Manager) RecordMaintenance(kind, status string, d time.Duration) {
	if !m.Enabled() {
		return
	}
	m.maintenanceRuns.WithLabelValues(kind, status).Inc()
	m.maintenanceDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// SetStoreRows publishes the memory and index row counts.
func (m *Manager) SetStoreRows(memory, fts int64) {
	if !m.Enabled() {
		return
	}
	m.storeRows.WithLabelValues("memory").Set(float64(memory))
	m.storeRows.WithLabelValues("fts").Set(float64(fts))
}

// SetJournalLag publishes the unapplied journal size.
func (m *Manager) SetJournalLag(bytes int64) {
	if !m.Enabled() {
		return
	}
	m.journalLag.Set(float64(bytes))
}

// SetHealth marks status as the current health status.
func (m *Manager) SetHealth(status string, all ...string) {
	if !m.Enabled() {
		return
	}
	for _, s := range all {
		m.healthState.WithLabelValues(s).Set(0)
	}
	m.healthState.WithLabelValues(status).Set(1)
}

// SetCacheHitRate publishes a cache's hit rate.
func (m *Manager) SetCacheHitRate(cache string, rate float64) {
	if !m.Enabled() {
		return
	}
	m.cacheHit.WithLabelValues(cache).Set(rate)
}

// RecordHTTPRequest records an HTTP request with method, route pattern and status.
func (m *Manager) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
