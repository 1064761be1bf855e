package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeChecker struct {
	err error
}

func (f fakeChecker) CheckHealth(ctx context.Context) error {
	return f.err
}

func TestHealthHandlerAggregatesPassingChecks(t *testing.T) {
	manager := NewHealthManager("0.3.0")
	manager.RegisterChecker("queue", fakeChecker{})
	manager.RegisterChecker("history", fakeChecker{})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Fatalf("expected healthy, got %s", resp.Status)
	}
	if resp.Version != "0.3.0" {
		t.Fatalf("expected version 0.3.0, got %s", resp.Version)
	}
	if resp.Checks["queue"] != "healthy" || resp.Checks["history"] != "healthy" {
		t.Fatalf("expected both checks healthy, got %v", resp.Checks)
	}
}

func TestHealthHandlerReportsFailingCheckInErrorDetails(t *testing.T) {
	manager := NewHealthManager("0.3.0")
	manager.RegisterChecker("queue", fakeChecker{})
	manager.RegisterChecker("history", fakeChecker{err: errors.New("database is locked")})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}

	var resp struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error.Code != "SERVICE_UNAVAILABLE" {
		t.Fatalf("expected SERVICE_UNAVAILABLE, got %s", resp.Error.Code)
	}
	checks, ok := resp.Error.Details["checks"].(map[string]any)
	if !ok {
		t.Fatalf("expected checks in error details, got %v", resp.Error.Details)
	}
	if checks["history"] != "unhealthy" {
		t.Fatalf("expected history check unhealthy, got %v", checks["history"])
	}
	if checks["queue"] != "healthy" {
		t.Fatalf("expected queue check healthy, got %v", checks["queue"])
	}
}

func TestHealthHandlerDegradedStillServes(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("slow", fakeChecker{err: context.DeadlineExceeded})

	rec := httptest.NewRecorder()
	manager.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected degraded service to answer 200, got %d", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", resp.Status)
	}
	if resp.Checks["slow"] != "timeout" {
		t.Fatalf("expected timeout result, got %v", resp.Checks)
	}
}

func TestDetermineOverallStatus(t *testing.T) {
	manager := NewHealthManager("dev")

	cases := []struct {
		name   string
		checks map[string]string
		want   string
	}{
		{"empty", nil, "healthy"},
		{"all passing", map[string]string{"a": "healthy", "b": "healthy"}, "healthy"},
		{"timeout degrades", map[string]string{"a": "healthy", "b": "timeout"}, "degraded"},
		{"unhealthy wins over timeout", map[string]string{"a": "timeout", "b": "unhealthy"}, "unhealthy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := manager.determineOverallStatus(tc.checks); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestLivenessHandlerIgnoresFailingCheckers(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("queue", fakeChecker{err: errors.New("down")})

	rec := httptest.NewRecorder()
	manager.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected liveness to stay 200 with failing checkers, got %d", rec.Code)
	}
}

func TestReadinessHandlerGatesOnCheckers(t *testing.T) {
	manager := NewHealthManager("dev")
	manager.RegisterChecker("queue", fakeChecker{err: errors.New("layout missing")})

	rec := httptest.NewRecorder()
	manager.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
}

func TestInitAndGetHealthManager(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	globalHealthManager = nil
	if GetHealthManager() != nil {
		t.Fatal("expected nil manager before init")
	}

	InitHealthManager("0.3.0")
	if GetHealthManager() == nil {
		t.Fatal("expected manager after init")
	}
}

func TestGlobalHandlersAfterInit(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	InitHealthManager("0.3.0")

	handlers := []struct {
		name    string
		path    string
		handler http.HandlerFunc
	}{
		{"health", "/health", HealthHandler},
		{"liveness", "/health/live", LivenessHandler},
		{"readiness", "/health/ready", ReadinessHandler},
		{"startup", "/health/startup", StartupHandler},
	}
	for _, h := range handlers {
		t.Run(h.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.handler(rec, httptest.NewRequest(http.MethodGet, h.path, nil))
			if rec.Code != http.StatusOK {
				t.Fatalf("expected status 200, got %d", rec.Code)
			}
		})
	}
}

func TestGlobalHandlersBeforeInitAnswer503(t *testing.T) {
	original := globalHealthManager
	defer func() { globalHealthManager = original }()

	globalHealthManager = nil

	handlers := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"health", HealthHandler},
		{"liveness", LivenessHandler},
		{"readiness", ReadinessHandler},
		{"startup", StartupHandler},
	}
	for _, h := range handlers {
		t.Run(h.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.handler(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))
			if rec.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected status 503 before init, got %d", rec.Code)
			}
		})
	}
}
