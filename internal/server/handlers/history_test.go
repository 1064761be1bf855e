package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
	"github.com/Interops-io/infrastructure/pkg/history"
	"github.com/Interops-io/infrastructure/pkg/job"
)

func newHistoryStore(t *testing.T) *history.Store {
	t.Helper()
	s, err := history.Open(context.Background(), history.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *history.Store, id, project string, status job.Status) {
	t.Helper()
	ctx := context.Background()
	claimed := time.Now().UTC()
	rec := &job.Record{
		ID:          id,
		CreatedAt:   claimed.Add(-time.Minute),
		Project:     project,
		Branch:      "main",
		Environment: job.EnvProduction,
		Commit:      "9c2f1ab",
		Status:      job.StatusProcessing,
		ClaimedAt:   &claimed,
	}
	require.NoError(t, s.RecordClaim(ctx, rec))
	require.NoError(t, s.RecordEvent(ctx, id, history.EventTypeClaimed, history.EventCategoryInfo, ""))

	done := claimed.Add(30 * time.Second)
	rec.Status = status
	rec.CompletedAt = &done
	require.NoError(t, s.RecordTerminal(ctx, rec))
}

func historyRouter(h *HistoryHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/history/recent", h.Recent)
	r.Get("/api/v1/history/summary", h.Summary)
	r.Get("/api/v1/history/runs/{id}", h.Run)
	return r
}

func TestHistoryRecentFiltersByProject(t *testing.T) {
	store := newHistoryStore(t)
	seedRun(t, store, "dep-a1", "alpha", job.StatusCompleted)
	seedRun(t, store, "dep-b1", "beta", job.StatusFailed)

	router := historyRouter(NewHistoryHandler(store, zap.NewNop()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history/recent?project=alpha", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Runs  []runResponse `json:"runs"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "dep-a1", resp.Runs[0].RunID)
	assert.Equal(t, "alpha", resp.Runs[0].Project)
	assert.Equal(t, "completed", resp.Runs[0].Status)
	require.NotNil(t, resp.Runs[0].FinishedAt)
}

func TestHistoryRunReturnsEventTrail(t *testing.T) {
	store := newHistoryStore(t)
	seedRun(t, store, "dep-a1", "alpha", job.StatusCompleted)

	router := historyRouter(NewHistoryHandler(store, zap.NewNop()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history/runs/dep-a1", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Run    runResponse     `json:"run"`
		Events []eventResponse `json:"events"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "dep-a1", resp.Run.RunID)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "claimed", resp.Events[0].Type)
}

func TestHistoryRunUnknownIDAnswers404(t *testing.T) {
	router := historyRouter(NewHistoryHandler(newHistoryStore(t), zap.NewNop()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history/runs/dep-missing", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, apperrors.CodeNotFound, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "dep-missing")
}

func TestHistorySummaryAggregatesStatuses(t *testing.T) {
	store := newHistoryStore(t)
	seedRun(t, store, "dep-a1", "alpha", job.StatusCompleted)
	seedRun(t, store, "dep-a2", "alpha", job.StatusCompleted)
	seedRun(t, store, "dep-b1", "beta", job.StatusFailed)

	router := historyRouter(NewHistoryHandler(store, zap.NewNop()))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history/summary", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var sum history.Summary
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sum))
	assert.Equal(t, int64(3), sum.Total)
	assert.Equal(t, int64(2), sum.ByStatus["completed"])
	assert.Equal(t, int64(1), sum.ByStatus["failed"])
}
