// Package models contains shared data models used across the enrichd codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// TerminalStatus reports whether a job status is final.
func TerminalStatus(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Job tracks one asynchronous enrichment request through its lifecycle.
// The API returns the job on POST /v1/enrich/profile; clients poll
// GET /v1/enrich/status/{job_id} until status is completed or failed.
//
// Status transitions are one-directional:
// queued -> processing -> completed | failed. Only the worker pool mutates
// a job after creation.
type Job struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         uuid.UUID  `json:"tenant_id"`
	EntityID         string     `json:"entity_id"`
	EntityDocumentID string     `json:"entity_document_id"`
	DedupeKey        string     `json:"dedupe_key"`
	Status           string     `json:"status"`
	CorrelationID    string     `json:"correlation_id"`
	Priority         int        `json:"priority"`
	AttemptCount     int        `json:"attempt_count"`
	ErrorMessage     *string    `json:"error_message,omitempty"`
	Result           *JobResult `json:"result,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// JobResult is the terminal payload attached to a completed or failed job.
//
// EmbeddingUpserted=false on a completed job means the embedding step was
// skipped or exhausted its retries; it never implies job failure.
type JobResult struct {
	ProcessingTimeSeconds  float64          `json:"processing_time_seconds"`
	ProfileSnapshot        ProfileSnapshot  `json:"profile_snapshot,omitempty"`
	EmbeddingUpserted      bool             `json:"embedding_upserted"`
	EmbeddingSkippedReason string           `json:"embedding_skipped_reason,omitempty"`
	ModelVersion           string           `json:"model_version,omitempty"`
	PromptVersion          string           `json:"prompt_version,omitempty"`
	PhaseDurationsMs       map[string]int64 `json:"phase_durations_ms,omitempty"`
	Attempts               int              `json:"attempts"`
	QueueDurationMs        int64            `json:"queue_duration_ms"`
}
