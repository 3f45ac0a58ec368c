package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// CheckFunc probes one dependency; nil means healthy
type CheckFunc func(ctx context.Context) error

// HealthChecker runs the registered dependency probes
type HealthChecker struct {
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthChecker creates a HealthChecker with no probes
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		checks: make(map[string]CheckFunc),
	}
}

// Register adds a named dependency probe (session store, backend, ...)
func (h *HealthChecker) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check performs health checks and returns the status
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	h.mu.RUnlock()
	sort.Strings(names)

	checks := make(map[string]string, len(names))
	overallStatus := "healthy"

	for _, name := range names {
		h.mu.RLock()
		check := h.checks[name]
		h.mu.RUnlock()

		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := check(checkCtx)
		cancel()

		if err != nil {
			checks[name] = "unhealthy: " + err.Error()
			overallStatus = "unhealthy"
		} else {
			checks[name] = "healthy"
		}
	}

	return HealthStatus{
		Status:    overallStatus,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	}
}

// HealthHandler returns an HTTP handler for health checks
func (h *HealthChecker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if status.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(status)
	}
}
