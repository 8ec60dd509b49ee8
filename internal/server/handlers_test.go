package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticHealth struct {
	status  HealthStatus
	message string
}

func (s staticHealth) Health() (HealthStatus, string) { return s.status, s.message }

func TestHealthHandler(t *testing.T) {
	cases := []struct {
		name    string
		checker HealthChecker
		code    int
		body    string
	}{
		{name: "no checker", code: http.StatusOK, body: "ok"},
		{name: "healthy", checker: staticHealth{status: HealthHealthy}, code: http.StatusOK, body: "HEALTHY"},
		{name: "degraded", checker: staticHealth{status: HealthDegraded, message: "42: connecting"}, code: http.StatusOK, body: "DEGRADED: 42: connecting"},
		{name: "auth failure", checker: staticHealth{status: HealthError, message: "42: unavailable_auth"}, code: http.StatusServiceUnavailable, body: "ERROR: 42: unavailable_auth"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HealthHandler(tc.checker).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tc.code, rec.Code)
			assert.Equal(t, tc.body, rec.Body.String())
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "stromer_test_total", Help: "test"})
	counter.Inc()

	srv := NewHTTPServer(":0", MetricsRegistry([]prometheus.Collector{counter}), nil)
	ts := httptest.NewServer(srv.Server.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stromer_test_total 1")
}
