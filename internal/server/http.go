package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPServer serves the ops endpoints: /health and /metrics.
type HTTPServer struct {
	Server *http.Server
}

func NewHTTPServer(addr string, registry *prometheus.Registry, checker HealthChecker) *HTTPServer {
	mux := http.NewServeMux()
	mux.Handle("/health", HealthHandler(checker))
	mux.Handle("/metrics", MetricsHandler(registry))
	return &HTTPServer{Server: &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Server.Shutdown(shutdownCtx)
	}
}
