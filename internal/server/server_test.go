package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/malsmug/internal/infrastructure/monitoring"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsWith(reg)
	metrics.RunStarted()
	metrics.RunFinished("success", time.Second)

	brokerErr := error(nil)
	srv := NewServer(Config{Checks: map[string]HealthFunc{
		"broker": func() error { return brokerErr },
	}}, reg, metrics, nil)

	rec := get(t, srv.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, map[string]any{"broker": "ok"}, body["checks"])
	assert.EqualValues(t, 1, body["runs"].(map[string]any)["succeeded"])

	brokerErr = errors.New("disconnected")
	rec = get(t, srv.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsWith(reg)
	metrics.RecordIoC("set_cookie")
	srv := NewServer(Config{}, reg, metrics, nil)

	rec := get(t, srv.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `sandbox_iocs_total{kind="set_cookie"} 1`)
}

func TestCORS(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetricsWith(reg)

	tests := []struct {
		name    string
		origins []string
		want    string
	}{
		{name: "allowed origin", origins: []string{"https://dash.example"}, want: "https://dash.example"},
		{name: "disabled", origins: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(Config{AllowOrigins: tt.origins}, reg, metrics, nil)
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.Header.Set("Origin", "https://dash.example")
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}
