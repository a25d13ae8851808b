package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/profilekit/enrichd/internal/api/middleware"
	"github.com/profilekit/enrichd/internal/api/response"
	"github.com/profilekit/enrichd/internal/enrich"
	"github.com/profilekit/enrichd/internal/jobstore"
	"github.com/profilekit/enrichd/pkg/models"
)

// Enricher defines the submission and status interface the handlers depend on.
type Enricher interface {
	Submit(ctx context.Context, params enrich.SubmitParams) (*models.Job, bool, error)
	GetStatus(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	WaitForCompletion(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
}

// jobView is the wire shape of a job record.
type jobView struct {
	JobID        string            `json:"job_id"`
	Status       string            `json:"status"`
	EntityID     string            `json:"entity_id"`
	AttemptCount int               `json:"attempt_count"`
	Deduplicated bool              `json:"deduplicated,omitempty"`
	Error        *string           `json:"error,omitempty"`
	Result       *models.JobResult `json:"result,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

func viewOf(job *models.Job, deduplicated bool) jobView {
	return jobView{
		JobID:        job.ID.String(),
		Status:       job.Status,
		EntityID:     job.EntityID,
		AttemptCount: job.AttemptCount,
		Deduplicated: deduplicated,
		Error:        job.ErrorMessage,
		Result:       job.Result,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
	}
}

// NewEnrichHandler returns the handler for POST /v1/enrich/profile.
// Async submissions answer 202 with a job id. Sync submissions wait for a
// terminal status and answer 200; if the wait deadline passes first they
// answer 202 with the last known state.
func NewEnrichHandler(svc Enricher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		var req struct {
			EntityID         string         `json:"entity_id"`
			EntityDocumentID string         `json:"entity_document_id"`
			IdempotencyKey   string         `json:"idempotency_key"`
			Payload          map[string]any `json:"payload"`
			Force            bool           `json:"force"`
			Async            *bool          `json:"async"`
			Priority         int            `json:"priority"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.EntityID == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "entity_id is required", nil)
			return
		}

		async := req.Async == nil || *req.Async

		job, created, err := svc.Submit(r.Context(), enrich.SubmitParams{
			TenantID:         tenantID,
			EntityID:         req.EntityID,
			EntityDocumentID: req.EntityDocumentID,
			IdempotencyKey:   req.IdempotencyKey,
			Force:            req.Force,
			Payload:          req.Payload,
			CorrelationID:    mw.GetCorrelationID(r),
			Priority:         req.Priority,
		})
		if err != nil {
			response.Error(w, http.StatusServiceUnavailable, "SUBMIT_FAILED",
				"Could not accept the enrichment job", nil)
			return
		}

		if !created {
			response.JSON(w, viewOf(job, true))
			return
		}

		if async {
			response.Accepted(w, viewOf(job, false))
			return
		}

		final, err := svc.WaitForCompletion(r.Context(), job.ID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Lost track of the submitted job", nil)
			return
		}
		if !models.TerminalStatus(final.Status) {
			response.Accepted(w, viewOf(final, false))
			return
		}
		response.JSON(w, viewOf(final, false))
	}
}

// NewStatusHandler returns the handler for GET /v1/enrich/status/{jobID}.
// Jobs belonging to another tenant are reported as not found.
func NewStatusHandler(svc Enricher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := mw.GetTenantID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID format", nil)
			return
		}

		job, err := svc.GetStatus(r.Context(), jobID)
		if errors.Is(err, jobstore.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load job status", nil)
			return
		}
		if job.TenantID != tenantID {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}

		response.JSON(w, viewOf(job, false))
	}
}

// StatsProvider reports queue and latency statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (*enrich.Stats, error)
}

// NewStatsHandler returns the handler for GET /v1/enrich/stats.
func NewStatsHandler(svc StatsProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to collect stats", nil)
			return
		}
		response.JSON(w, stats)
	}
}
