package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewMetricsHandler builds the mux served on the metrics port
func NewMetricsHandler(healthChecker *HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if healthChecker != nil {
		mux.HandleFunc("/health", healthChecker.HealthHandler())
	}

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	return mux
}

// StartMetricsServer starts an HTTP server for Prometheus metrics and health checks
func StartMetricsServer(port string, healthChecker *HealthChecker, logger *zap.Logger) *http.Server {
	server := &http.Server{
		Addr:         net.JoinHostPort("", port),
		Handler:      NewMetricsHandler(healthChecker),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err), zap.String("addr", server.Addr))
		}
	}()

	return server
}

// ShutdownMetricsServer gracefully shuts down the metrics server
func ShutdownMetricsServer(ctx context.Context, server *http.Server) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}
