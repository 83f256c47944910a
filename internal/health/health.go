// Package health provides liveness and readiness endpoints for the broker.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const checkTimeout = 5 * time.Second

// Pinger is a dependency that can report whether it is reachable.
// Satisfied by the Postgres pools and the Redis client wrapper.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Check pairs a dependency with the name it reports under.
type Check struct {
	Name   string
	Pinger Pinger
}

// HealthCheck manages health check functionality.
type HealthCheck struct {
	checks        []Check
	logger        *zap.Logger
	mu            sync.RWMutex
	ready         bool
	failing       map[string]string
	lastCheck     time.Time
	checkInterval time.Duration
}

// NewHealthCheck creates a HealthCheck over the given dependency checks
// and starts its background probe loop.
func NewHealthCheck(logger *zap.Logger, checks ...Check) *HealthCheck {
	hc := &HealthCheck{
		checks:        checks,
		logger:        logger,
		failing:       make(map[string]string),
		checkInterval: 5 * time.Second,
	}

	go hc.backgroundCheck()

	return hc
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LivenessHandler handles GET /health requests.
// Returns 200 OK if the process is running.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /ready requests.
// Returns 200 OK when every dependency is reachable.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hc.mu.RLock()
	isReady := hc.ready
	hc.mu.RUnlock()

	if !isReady {
		// Perform a fresh check rather than waiting for the next probe.
		hc.runChecks(r.Context())
		hc.mu.RLock()
		isReady = hc.ready
		hc.mu.RUnlock()
	}

	resp := ReadinessResponse{Checks: make(map[string]string)}

	hc.mu.RLock()
	for _, check := range hc.checks {
		if reason, failed := hc.failing[check.Name]; failed {
			resp.Checks[check.Name] = reason
		} else {
			resp.Checks[check.Name] = "healthy"
		}
	}
	hc.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if isReady {
		resp.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// runChecks probes every dependency once and updates the readiness state.
func (hc *HealthCheck) runChecks(ctx context.Context) {
	failing := make(map[string]string)
	for _, check := range hc.checks {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check.Pinger.Ping(probeCtx)
		cancel()
		if err != nil {
			failing[check.Name] = err.Error()
			hc.logger.Warn("health check failed",
				zap.String("check", check.Name),
				zap.Error(err))
		}
	}

	hc.mu.Lock()
	hc.failing = failing
	hc.ready = len(failing) == 0
	hc.lastCheck = time.Now()
	hc.mu.Unlock()
}

// backgroundCheck performs periodic health checks.
func (hc *HealthCheck) backgroundCheck() {
	ticker := time.NewTicker(hc.checkInterval)
	defer ticker.Stop()

	for range ticker.C {
		hc.runChecks(context.Background())
	}
}

// IsReady returns the current readiness status.
func (hc *HealthCheck) IsReady() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.ready
}

// SetReady sets the readiness status (for testing).
func (hc *HealthCheck) SetReady(ready bool) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.ready = ready
}
