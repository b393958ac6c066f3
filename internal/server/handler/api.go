package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sevigo/invoice-relay/internal/core"
	"github.com/sevigo/invoice-relay/internal/filing"
)

// JobReader exposes the read side of the job ledger.
type JobReader interface {
	Get(ctx context.Context, id string) (*core.Job, error)
	Stats(ctx context.Context) (*core.Stats, error)
}

// Filer queues regulatory submissions.
type Filer interface {
	Submit(ctx context.Context, req filing.Request) (*core.Job, error)
}

// APIHandler serves the internal API used by the invoicing platform and
// dashboards.
type APIHandler struct {
	jobs   JobReader
	filer  Filer
	logger *slog.Logger
}

func NewAPIHandler(jobs JobReader, filer Filer, logger *slog.Logger) *APIHandler {
	return &APIHandler{jobs: jobs, filer: filer, logger: logger}
}

type submissionResponse struct {
	JobID  string      `json:"job_id"`
	Status core.Status `json:"status"`
}

// Submit handles POST /api/v1/submissions.
func (h *APIHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req filing.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	job, err := h.filer.Submit(r.Context(), req)
	switch {
	case errors.Is(err, filing.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	case err != nil:
		h.logger.Error("failed to queue submission", "tenant_id", req.TenantID, "document_id", req.DocumentID, "error", err)
		http.Error(w, "Failed to queue submission", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, submissionResponse{JobID: job.ID, Status: job.Status}, h.logger)
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *APIHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, core.ErrJobNotFound) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to load job", "error", err)
		http.Error(w, "Failed to load job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job, h.logger)
}

type statsResponse struct {
	Pending                 int64            `json:"pending"`
	Processing              int64            `json:"processing"`
	Completed               int64            `json:"completed"`
	Failed                  int64            `json:"failed"`
	Ignored                 int64            `json:"ignored"`
	OldestPendingAgeSeconds float64          `json:"oldest_pending_age_seconds"`
	FailedBySource          map[string]int64 `json:"failed_by_source"`
}

// Stats handles GET /api/v1/stats.
func (h *APIHandler) Stats(w http.ResponseWriter, r *http.Request) {
	s, err := h.jobs.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to compute stats", "error", err)
		http.Error(w, "Failed to compute stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Pending:                 s.Pending,
		Processing:              s.Processing,
		Completed:               s.Completed,
		Failed:                  s.Failed,
		Ignored:                 s.Ignored,
		OldestPendingAgeSeconds: s.OldestPendingAge.Seconds(),
		FailedBySource:          s.FailedBySource,
	}, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to write response", "error", err)
	}
}
