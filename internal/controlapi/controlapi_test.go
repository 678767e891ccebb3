package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thelastdreamer/bondarb/internal/adapter"
	"github.com/thelastdreamer/bondarb/internal/clientset"
	"github.com/thelastdreamer/bondarb/internal/config"
	"github.com/thelastdreamer/bondarb/internal/model"
	"github.com/thelastdreamer/bondarb/internal/monitor"
	"github.com/thelastdreamer/bondarb/internal/reservation"
	"github.com/thelastdreamer/bondarb/internal/sessionbw"
	"github.com/thelastdreamer/bondarb/pkg/metrics"
)

const controlAPITestClientType model.ClientType = "controlapi-test-fake"

type noopAdapter struct{ id string }

func (a *noopAdapter) ClientID() string             { return a.id }
func (a *noopAdapter) ClientType() model.ClientType { return controlAPITestClientType }
func (a *noopAdapter) SupportsUpload() bool         { return true }
func (a *noopAdapter) TestConnection(ctx context.Context) error { return nil }
func (a *noopAdapter) GetStats(ctx context.Context) (model.ClientStats, error) {
	return model.ClientStats{}, nil
}
func (a *noopAdapter) GetLimits(ctx context.Context) (float64, float64, error) { return 0, 0, nil }
func (a *noopAdapter) SetLimits(ctx context.Context, download, upload *float64) error {
	return nil
}
func (a *noopAdapter) RestoreLimits(ctx context.Context) error { return nil }
func (a *noopAdapter) Close() error                            { return nil }

func init() {
	adapter.Register(controlAPITestClientType, func(cc config.ClientConfig) (adapter.ClientAdapter, error) {
		return &noopAdapter{id: cc.ID}, nil
	})
}

type fakeStreamSource struct{}

func (fakeStreamSource) ListActive(ctx context.Context) ([]model.Session, error) {
	return nil, nil
}

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	clients, err := clientset.New([]config.ClientConfig{{ID: "c1", Type: string(controlAPITestClientType)}}, log)
	require.NoError(t, err)

	cfg := &model.ConfigSnapshot{
		DownloadTotalMbps:       500,
		UploadTotalMbps:         100,
		DownloadPercent:         map[model.ClientType]float64{},
		UploadPercent:           map[model.ClientType]float64{},
		InactiveBufferIntervals: 6,
		ActiveThresholdFraction: 0.10,
	}

	mon := monitor.New(cfg, clients, fakeStreamSource{}, nil, reservation.New(), sessionbw.New(), nil, nil, log, monitor.Config{})

	collector := metrics.NewCollector(metrics.DefaultMetricsConfig())
	require.NoError(t, collector.Start())
	t.Cleanup(collector.Stop)
	exporter := metrics.NewExporter(collector)

	mux := http.NewServeMux()
	Register(mux, mon, exporter, log)
	return httptest.NewServer(mux)
}

func TestHandleStatus(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.True(t, body.Success)
}

func TestHandlePauseResume(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/pause", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/resume", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandlePauseRejectsGET(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/pause")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleTemporaryLimitsRoundTrip(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"download_mbps": 50.0,
		"duration_s":    60.0,
		"source":        "test",
	})
	resp, err := http.Post(srv.URL+"/api/temporary-limits", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/temporary-limits")
	require.NoError(t, err)
	defer resp.Body.Close()
	var got APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.True(t, got.Success)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/temporary-limits", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleTemporaryLimitsRejectsZeroDuration(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"download_mbps": 50.0, "duration_s": 0.0})
	resp, err := http.Post(srv.URL+"/api/temporary-limits", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleReservationsEmptyAndClear(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/reservations")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, _ := json.Marshal(map[string]any{"id": "does-not-exist"})
	resp2, err := http.Post(srv.URL+"/api/reservations/clear", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHandleReloadRequiresConfigPath(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/reload", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleMetricsServesPrometheusText(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
}

func TestHandleMetricsAggregatedServesJSON(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics/aggregated?window=1h")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "1h", body["window"])
}

func TestHandleMetricsAggregatedRejectsBadWindow(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics/aggregated?window=nonsense")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
