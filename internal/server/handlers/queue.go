package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
	"github.com/Interops-io/infrastructure/pkg/queue"
)

const maxRecordPage = 200

// QueueHandler serves read-only views over the on-disk queue. Mutations go
// through the CLI; the status server never writes records.
type QueueHandler struct {
	store *queue.Store
	log   *zap.Logger
}

func NewQueueHandler(store *queue.Store, log *zap.Logger) *QueueHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &QueueHandler{store: store, log: log}
}

// Stats reports per-partition record counts.
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats()
	if err != nil {
		h.log.Error("read queue stats", zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(apperrors.CodeInternal, err, "read queue stats"))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Records lists the records of one partition, newest first. The partition
// defaults to pending; limit caps the page size.
func (h *QueueHandler) Records(w http.ResponseWriter, r *http.Request) {
	part := queue.Partition(r.URL.Query().Get("partition"))
	if part == "" {
		part = queue.PartitionPending
	}
	if !part.Valid() {
		respondWithError(w, r, apperrors.New(apperrors.CodeInvalidArgument,
			fmt.Sprintf("unknown partition %q", part)))
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > maxRecordPage {
		respondWithError(w, r, apperrors.New(apperrors.CodeInvalidArgument,
			fmt.Sprintf("limit must be between 1 and %d", maxRecordPage)))
		return
	}

	records, err := h.store.List(part)
	if err != nil {
		h.log.Error("list queue records", zap.String("partition", string(part)), zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(apperrors.CodeInternal, err, "list queue records"))
		return
	}
	total := len(records)
	if len(records) > limit {
		records = records[:limit]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"partition": part,
		"total":     total,
		"records":   records,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
