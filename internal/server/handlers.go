package server

import (
	"net/http"
)

// HealthStatus is the overall health reported on /health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthDegraded HealthStatus = "DEGRADED"
	HealthError    HealthStatus = "ERROR"
)

// HealthChecker reports the current health and a short explanation.
type HealthChecker interface {
	Health() (HealthStatus, string)
}

// HealthHandler answers 200 unless the checker reports HealthError.
func HealthHandler(checker HealthChecker) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if checker == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		status, message := checker.Health()
		if status == HealthError {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		body := string(status)
		if message != "" {
			body += ": " + message
		}
		_, _ = w.Write([]byte(body))
	})
}
