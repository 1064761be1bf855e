package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/Interops-io/infrastructure/internal/errors"
	"github.com/Interops-io/infrastructure/pkg/history"
)

// HistoryHandler serves the deployment audit trail.
type HistoryHandler struct {
	store *history.Store
	log   *zap.Logger
}

func NewHistoryHandler(store *history.Store, log *zap.Logger) *HistoryHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HistoryHandler{store: store, log: log}
}

type runResponse struct {
	RunID       string     `json:"run_id"`
	Project     string     `json:"project"`
	Environment string     `json:"environment"`
	Branch      string     `json:"branch,omitempty"`
	Ref         string     `json:"ref,omitempty"`
	Commit      string     `json:"commit"`
	Actor       string     `json:"actor,omitempty"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	QueuedAt    time.Time  `json:"queued_at"`
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
}

type eventResponse struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Type       string    `json:"type"`
	Category   string    `json:"category"`
	Detail     string    `json:"detail,omitempty"`
}

func toRunResponse(run history.Run) runResponse {
	return runResponse{
		RunID:       run.RunID,
		Project:     run.Project,
		Environment: run.Environment,
		Branch:      run.Branch,
		Ref:         run.Ref,
		Commit:      run.Commit,
		Actor:       run.Actor,
		Status:      run.Status,
		Reason:      run.Reason,
		QueuedAt:    run.QueuedAt,
		ClaimedAt:   run.ClaimedAt,
		FinishedAt:  run.FinishedAt,
		DurationMS:  run.DurationMS,
	}
}

// Recent lists runs newest first, optionally filtered by project.
func (h *HistoryHandler) Recent(w http.ResponseWriter, r *http.Request) {
	project := r.URL.Query().Get("project")
	limit := queryInt(r, "limit", 20)
	if limit < 1 || limit > maxRecordPage {
		respondWithError(w, r, apperrors.New(apperrors.CodeInvalidArgument,
			fmt.Sprintf("limit must be between 1 and %d", maxRecordPage)))
		return
	}

	runs, err := h.store.Recent(r.Context(), project, limit)
	if err != nil {
		h.log.Error("list deploy runs", zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(apperrors.CodeInternal, err, "list deploy runs"))
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out, "count": len(out)})
}

// Run returns one run with its full event trail.
func (h *HistoryHandler) Run(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	run, err := h.store.Get(r.Context(), runID)
	if err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			respondWithError(w, r, apperrors.New(apperrors.CodeNotFound,
				fmt.Sprintf("deploy run %q not found", runID)))
			return
		}
		h.log.Error("get deploy run", zap.String("run_id", runID), zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(apperrors.CodeInternal, err, "get deploy run"))
		return
	}

	events, err := h.store.Events(r.Context(), runID)
	if err != nil {
		h.log.Error("list run events", zap.String("run_id", runID), zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(apperrors.CodeInternal, err, "list run events"))
		return
	}
	evs := make([]eventResponse, 0, len(events))
	for _, e := range events {
		evs = append(evs, eventResponse{
			EventID:    e.EventID,
			OccurredAt: e.OccurredAt,
			Type:       string(e.Type),
			Category:   string(e.Category),
			Detail:     e.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunResponse(*run), "events": evs})
}

// Summary aggregates run counts and durations across all projects.
func (h *HistoryHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.store.Summarize(r.Context())
	if err != nil {
		h.log.Error("summarize deploy runs", zap.Error(err))
		respondWithError(w, r, apperrors.Wrap(apperrors.CodeInternal, err, "summarize deploy runs"))
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
