package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/collector/internal/config"
	"github.com/marketflow/collector/internal/telemetry"
)

func newTestServer(t *testing.T, loadCfg func() (*config.Config, error)) (*Server, *telemetry.Bus) {
	t.Helper()
	bus := telemetry.NewBus(16)
	t.Cleanup(bus.Close)
	metrics := telemetry.NewMetrics()
	collector := NewCollector(loadCfg, bus, metrics)
	return NewServer(0, collector, bus, metrics), bus
}

func badConfig() (*config.Config, error) {
	return nil, fmt.Errorf("config: DATABASE_URL is required")
}

func TestStatusWhileStopped(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "stopped", status.State)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStartWithInvalidConfigReturns400(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "DATABASE_URL")
}

func TestStartWhileRunningReturnsAlreadyRunningVerdict(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)
	srv.collector.running = true

	req := httptest.NewRequest(http.MethodPost, "/api/v1/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, VerdictAlreadyRunning, resp.Verdict)
}

func TestStartWithMalformedBodyReturns400(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/start", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), VerdictInvalid)
}

func TestStartBodyOverlayRejectsUnknownChannel(t *testing.T) {
	srv, _ := newTestServer(t, func() (*config.Config, error) {
		cfg := config.Default()
		cfg.DatabaseURL = "postgres://localhost/marketdata_test"
		return &cfg, nil
	})

	body := `{"channels":["bookTicker","kline"]}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/start", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown channel")
	assert.Contains(t, rec.Body.String(), VerdictInvalid)
}

func TestStopWhileStoppedIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/stop", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDBStatsWhileStopped(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dbstats", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestValidateWhileStopped(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/validate", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestRequestIDPreserved(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	req.Header.Set("X-Request-ID", "abc123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "abc123", rec.Header().Get("X-Request-ID"))
}

func TestMethodRestrictions(t *testing.T) {
	srv, _ := newTestServer(t, badConfig)

	// Start is POST-only.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/start", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestTelemetryWebSocketPushesEvents(t *testing.T) {
	srv, bus := newTestServer(t, badConfig)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/telemetry"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// First frame is always a status snapshot.
	var frame struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "status", frame.Type)

	// Wait for the subscription to land before publishing.
	require.Eventually(t, func() bool { return bus.SubscriberCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	bus.Emit(telemetry.KindConnState, "top-1", map[string]interface{}{"state": "connected"})
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "event", frame.Type)
	assert.Contains(t, string(frame.Payload), "conn_state")
}
