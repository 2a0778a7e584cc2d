package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/velos-memory/internal/config"
	"github.com/rcliao/velos-memory/internal/logger"
	"github.com/rcliao/velos-memory/internal/metrics"
	"github.com/rcliao/velos-memory/internal/model"
	"github.com/rcliao/velos-memory/internal/velos"
)

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *velos.Service) {
	t.Helper()
	cfg, err := config.Default(t.TempDir())
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}
	svc, err := velos.Open(context.Background(), cfg, logger.Nop(), velos.WithMetrics(metrics.New()))
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return New(svc, cfg.Server, logger.Nop()), svc
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestRecordLifecycle(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/records", `{"role":"assistant","insight":"deploy pipeline broke on staging"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decodeBody[map[string]int64](t, w)["id"]
	require.NotZero(t, id)

	w = do(t, s, http.MethodGet, "/records/1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "deploy pipeline broke on staging", decodeBody[model.Record](t, w).Insight)

	w = do(t, s, http.MethodPatch, "/records/1", `{"insight":"deploy pipeline fixed on staging"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "deploy pipeline fixed on staging", decodeBody[model.Record](t, w).Insight)

	w = do(t, s, http.MethodGet, "/search?q=fixed", "")
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeBody[model.SearchResult](t, w)
	require.Len(t, res.Hits, 1)
	assert.Equal(t, id, res.Hits[0].Record.ID)

	w = do(t, s, http.MethodDelete, "/records/1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = do(t, s, http.MethodDelete, "/records/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/records/1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeBody[ErrorResponse](t, w).Error.Code)
}

func TestErrorMapping(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/records", `{"insight":"duplicate check record text"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(t, s, http.MethodPost, "/records", `{"insight":"Duplicate check record text!"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, http.MethodPost, "/records", `{"insight":"..."}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(t, s, http.MethodPost, "/records", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/records/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodGet, "/search?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/maintenance/defrag", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReadOnlyStoreRefusesWrites(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Default(dir)
	require.NoError(t, err)
	svc, err := velos.Open(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	s, _ := newTestServer(t, func(c *config.Config) {
		*c = *cfg
		c.Store.WriteForbidden = true
	})
	w := do(t, s, http.MethodPost, "/records", `{"insight":"write against read only store"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeReadOnly, decodeBody[ErrorResponse](t, w).Error.Code)
}

func TestIngestAndList(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/ingest", `{"items":[
		{"role":"user","insight":"Error: DB connection timeout in prod"},
		{"role":"user","insight":"error db connection timeout in PROD"},
		{"role":"tool","insight":"cache warmup finished for region west"}
	]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rep := decodeBody[model.IngestReport](t, w)
	assert.Equal(t, 1, rep.Counts.ExactDup)
	assert.Equal(t, 2, rep.Counts.Kept)

	w = do(t, s, http.MethodGet, "/records?role=tool", "")
	require.Equal(t, http.StatusOK, w.Code)
	recs := decodeBody[[]model.Record](t, w)
	require.Len(t, recs, 1)
	assert.Equal(t, "tool", recs[0].Role)

	// default sources are empty directories
	w = do(t, s, http.MethodPost, "/ingest", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Zero(t, decodeBody[model.IngestReport](t, w).Counts.Input)

	w = do(t, s, http.MethodGet, "/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, strings.Count(w.Body.String(), "\n"))
}

func TestMaintenanceEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusCreated,
		do(t, s, http.MethodPost, "/records", `{"insight":"prod credential rotated after incident"}`).Code)

	w := do(t, s, http.MethodPost, "/maintenance/rebuild", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StatusOK, decodeBody[model.RebuildReport](t, w).Status)

	w = do(t, s, http.MethodPost, "/maintenance/recover", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StatusOK, decodeBody[model.RecoveryReport](t, w).Status)

	w = do(t, s, http.MethodPost, "/maintenance/clean", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StatusOK, decodeBody[model.CleanReport](t, w).Status)

	w = do(t, s, http.MethodPost, "/maintenance/clean?destructive=maybe", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, s, http.MethodPost, "/maintenance/risk", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	snap := decodeBody[map[string]any](t, w)
	assert.Equal(t, "ok", snap["status"])

	w = do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "velos_health_status")
	assert.Contains(t, body, `http_requests_total{method="GET",path="/health",status="200"}`)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, func(c *config.Config) {
		c.Server.RateLimit = 0.001
		c.Server.Burst = 2
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/search?q=x", "").Code)
	}
	w := do(t, s, http.MethodGet, "/search?q=x", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// health stays reachable for probes
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodGet, "/records/999", "")
	generated := w.Header().Get("X-Request-ID")
	require.NotEmpty(t, generated)
	assert.Equal(t, generated, decodeBody[ErrorResponse](t, w).Error.RequestID)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-7", rec.Header().Get("X-Request-ID"))
}

func TestRequestLogCarriesRequestID(t *testing.T) {
	cfg, err := config.Default(t.TempDir())
	require.NoError(t, err)
	svc, err := velos.Open(context.Background(), cfg, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	var buf bytes.Buffer
	s := New(svc, cfg.Server, slog.New(slog.NewJSONHandler(&buf, nil)))

	req := httptest.NewRequest(http.MethodGet, "/records/999", nil)
	req.Header.Set("X-Request-ID", "req-9")
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line), buf.String())
	assert.Equal(t, "HTTP request", line["msg"])
	assert.Equal(t, "req-9", line["request_id"])
	assert.Equal(t, float64(http.StatusNotFound), line["status"])
}
