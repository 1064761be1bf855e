package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
	"github.com/Interops-io/infrastructure/pkg/job"
	"github.com/Interops-io/infrastructure/pkg/queue"
)

func newQueueStore(t *testing.T) *queue.Store {
	t.Helper()
	store := queue.NewStore(t.TempDir())
	require.NoError(t, store.EnsureLayout())
	return store
}

func seedRecord(t *testing.T, store *queue.Store, id string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.Put(&job.Record{
		ID:          id,
		CreatedAt:   createdAt,
		Project:     "checkout",
		Branch:      "main",
		Environment: job.EnvProduction,
		Status:      job.StatusQueued,
	}))
}

func TestQueueStatsCountsPartitions(t *testing.T) {
	store := newQueueStore(t)
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	seedRecord(t, store, "dep-1", base)
	seedRecord(t, store, "dep-2", base.Add(time.Minute))
	require.NoError(t, store.Move("dep-2", queue.PartitionPending, queue.PartitionProcessed))

	h := NewQueueHandler(store, zap.NewNop())
	rec := httptest.NewRecorder()
	h.Stats(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats queue.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Processed)
	assert.Equal(t, 0, stats.Failed)
}

func TestQueueRecordsDefaultsToPendingNewestFirst(t *testing.T) {
	store := newQueueStore(t)
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	seedRecord(t, store, "dep-old", base)
	seedRecord(t, store, "dep-new", base.Add(time.Hour))

	h := NewQueueHandler(store, zap.NewNop())
	rec := httptest.NewRecorder()
	h.Records(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue/records", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Partition string       `json:"partition"`
		Total     int          `json:"total"`
		Records   []job.Record `json:"records"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "pending", resp.Partition)
	assert.Equal(t, 2, resp.Total)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, "dep-new", resp.Records[0].ID)
	assert.Equal(t, "dep-old", resp.Records[1].ID)
}

func TestQueueRecordsHonorsPartitionAndLimit(t *testing.T) {
	store := newQueueStore(t)
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"dep-a", "dep-b", "dep-c"} {
		seedRecord(t, store, id, base.Add(time.Duration(i)*time.Minute))
		require.NoError(t, store.Move(id, queue.PartitionPending, queue.PartitionFailed))
	}

	h := NewQueueHandler(store, zap.NewNop())
	rec := httptest.NewRecorder()
	h.Records(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue/records?partition=failed&limit=2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Partition string       `json:"partition"`
		Total     int          `json:"total"`
		Records   []job.Record `json:"records"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "failed", resp.Partition)
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.Records, 2)
}

func TestQueueRecordsRejectsUnknownPartition(t *testing.T) {
	h := NewQueueHandler(newQueueStore(t), zap.NewNop())
	rec := httptest.NewRecorder()
	h.Records(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue/records?partition=archive", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, apperrors.CodeInvalidArgument, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "archive")
}

func TestQueueRecordsRejectsBadLimit(t *testing.T) {
	h := NewQueueHandler(newQueueStore(t), zap.NewNop())
	rec := httptest.NewRecorder()
	h.Records(rec, httptest.NewRequest(http.MethodGet, "/api/v1/queue/records?limit=0", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, apperrors.CodeInvalidArgument, resp.Error.Code)
}
