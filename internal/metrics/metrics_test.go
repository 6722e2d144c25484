package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	reg := NewRegistry()
	reg.Decisions.WithLabelValues("APPROVED_LONG", "approved").Inc()
	reg.BreakerTrips.WithLabelValues("daily_limit").Inc()
	reg.MarginUtilization.Set(42.5)

	srv := httptest.NewServer(reg.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	exposition := string(body)
	assert.Contains(t, exposition, `quantguard_decisions_total{outcome="APPROVED_LONG",reason="approved"} 1`)
	assert.Contains(t, exposition, `quantguard_breaker_trips_total{condition="daily_limit"} 1`)
	assert.Contains(t, exposition, "quantguard_margin_utilization_pct 42.5")
}

func TestServerRoutes(t *testing.T) {
	srv := httptest.NewServer(NewServer(Config{ListenAddr: ":0"}, NewRegistry()).Handler)

	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)

	resp3, err := http.Post(srv.URL+"/health", "application/json", nil)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp3.StatusCode)
}
