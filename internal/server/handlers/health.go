// Package handlers implements the HTTP endpoints of the status server.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
)

const checkTimeout = 2 * time.Second

// HealthChecker probes one dependency of the running service.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the wire shape of a passing health probe.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// HealthManager runs registered checkers and aggregates their results.
type HealthManager struct {
	mu       sync.RWMutex
	version  string
	checkers map[string]HealthChecker
}

func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:  version,
		checkers: make(map[string]HealthChecker),
	}
}

// RegisterChecker adds a named probe. Registering the same name twice
// replaces the earlier checker.
func (m *HealthManager) RegisterChecker(name string, checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = checker
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	checkers := make(map[string]HealthChecker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	checks := make(map[string]string, len(checkers))
	for name, c := range checkers {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.CheckHealth(checkCtx)
		cancel()
		switch {
		case err == nil:
			checks[name] = "healthy"
		case errors.Is(err, context.DeadlineExceeded):
			checks[name] = "timeout"
		default:
			checks[name] = "unhealthy"
		}
	}
	return checks
}

// determineOverallStatus folds per-check results into one service status.
// A timed-out probe degrades the service without failing it.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, s := range checks {
		switch s {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler runs every checker and reports the aggregate status.
// Unhealthy services answer 503 with the per-check results in the error
// details so an operator can see which probe failed.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)
	if status == "unhealthy" {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable, apperrors.HTTPErrorDetail{
			Code:      apperrors.CodeServiceUnavailable,
			Message:   "one or more health checks failed",
			RequestID: apperrors.RequestIDFrom(r.Context()),
			Details:   map[string]any{"status": status, "checks": checks},
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: status, Version: m.version, Checks: checks})
}

// LivenessHandler answers as long as the process can serve requests at all.
// It deliberately skips the checkers: a wedged dependency should not get the
// process restarted.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "alive", Version: m.version})
}

// ReadinessHandler gates traffic on the registered checkers.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)
	if status == "unhealthy" {
		apperrors.WriteHTTPError(w, http.StatusServiceUnavailable, apperrors.HTTPErrorDetail{
			Code:      apperrors.CodeServiceUnavailable,
			Message:   "service is not ready",
			RequestID: apperrors.RequestIDFrom(r.Context()),
			Details:   map[string]any{"status": status, "checks": checks},
		})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ready", Version: m.version, Checks: checks})
}

// StartupHandler reports whether initial setup completed. It shares the
// readiness probes; the split exists so orchestrators can give startup a
// longer failure budget.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	m.ReadinessHandler(w, r)
}

var globalHealthManager *HealthManager

// InitHealthManager installs the process-wide manager used by the
// package-level handler functions.
func InitHealthManager(version string) {
	globalHealthManager = NewHealthManager(version)
}

func GetHealthManager() *HealthManager {
	return globalHealthManager
}

func respondUninitialized(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteHTTPError(w, http.StatusServiceUnavailable, apperrors.HTTPErrorDetail{
		Code:      apperrors.CodeServiceUnavailable,
		Message:   "health manager not initialized",
		RequestID: apperrors.RequestIDFrom(r.Context()),
	})
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		respondUninitialized(w, r)
		return
	}
	globalHealthManager.HealthHandler(w, r)
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		respondUninitialized(w, r)
		return
	}
	globalHealthManager.LivenessHandler(w, r)
}

func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		respondUninitialized(w, r)
		return
	}
	globalHealthManager.ReadinessHandler(w, r)
}

func StartupHandler(w http.ResponseWriter, r *http.Request) {
	if globalHealthManager == nil {
		respondUninitialized(w, r)
		return
	}
	globalHealthManager.StartupHandler(w, r)
}
