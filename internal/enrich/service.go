// Package enrich is the service facade in front of the job store and the
// worker pool. Handlers talk to it, never to Redis or the workers directly.
package enrich

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/profilekit/enrichd/internal/breaker"
	"github.com/profilekit/enrichd/internal/config"
	"github.com/profilekit/enrichd/internal/jobstore"
	"github.com/profilekit/enrichd/internal/metrics"
	"github.com/profilekit/enrichd/pkg/models"
)

// Pinger reports reachability of a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SubmitParams is one enrichment request as the API hands it over.
type SubmitParams struct {
	TenantID         uuid.UUID
	EntityID         string
	EntityDocumentID string
	IdempotencyKey   string
	Force            bool
	Payload          map[string]any
	CorrelationID    string
	Priority         int
}

// Stats is the operational snapshot served by the stats endpoint.
type Stats struct {
	QueueDepth   int64             `json:"queue_depth"`
	StatusCounts map[string]int64  `json:"status_counts"`
	DedupeHits   int64             `json:"dedupe_hits"`
	LatencyP50Ms float64           `json:"latency_p50_ms"`
	LatencyP95Ms float64           `json:"latency_p95_ms"`
	LatencyP99Ms float64           `json:"latency_p99_ms"`
	Breakers     map[string]string `json:"breakers"`
}

// Health is the dependency view served by the health endpoint.
type Health struct {
	Redis       bool `json:"redis"`
	Postgres    bool `json:"postgres"`
	Transformer bool `json:"transformer"`
	Embedding   bool `json:"embedding"`
}

// Healthy reports whether the service can accept and process work. Breaker
// state is informational: an open breaker degrades jobs but does not stop
// intake, so only the stores gate overall health.
func (h Health) Healthy() bool {
	return h.Redis && h.Postgres
}

// Service coordinates submission, status reads, and operational reporting.
type Service struct {
	jobs     jobstore.Store
	db       Pinger
	recorder *metrics.Recorder
	cfg      config.EnrichConfig

	transformBreaker *breaker.Breaker
	embedBreaker     *breaker.Breaker
}

// NewService wires the facade. db may be nil when no relational store is
// configured; health then reports postgres as up.
func NewService(
	jobs jobstore.Store,
	db Pinger,
	recorder *metrics.Recorder,
	cfg config.EnrichConfig,
	transformBreaker, embedBreaker *breaker.Breaker,
) *Service {
	return &Service{
		jobs:             jobs,
		db:               db,
		recorder:         recorder,
		cfg:              cfg,
		transformBreaker: transformBreaker,
		embedBreaker:     embedBreaker,
	}
}

// Submit creates a job and enqueues it. The bool reports whether a new job
// was created; false means an active duplicate was returned instead.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (*models.Job, bool, error) {
	job, created, err := s.jobs.CreateJob(ctx, jobstore.CreateJobParams{
		TenantID:         params.TenantID,
		EntityID:         params.EntityID,
		EntityDocumentID: params.EntityDocumentID,
		IdempotencyKey:   params.IdempotencyKey,
		Force:            params.Force,
		Payload:          params.Payload,
		CorrelationID:    params.CorrelationID,
		Priority:         params.Priority,
	})
	if err != nil {
		return nil, false, fmt.Errorf("creating job: %w", err)
	}

	s.recorder.JobSubmitted(ctx, job.TenantID.String(), created)

	if !created {
		slog.Info("duplicate submission coalesced",
			"job_id", job.ID,
			"tenant_id", job.TenantID,
			"entity_id", job.EntityID,
		)
		return job, false, nil
	}

	if err := s.enqueue(ctx, job.ID); err != nil {
		// The record exists but no worker will ever see it. Fail it so the
		// caller is not left polling a job that cannot progress.
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if updErr := s.jobs.UpdateStatus(ctx, job.ID, models.JobStatusFailed,
			jobstore.WithErrorMessage(msg)); updErr != nil {
			slog.Error("marking unenqueued job failed", "job_id", job.ID, "error", updErr)
		}
		return nil, false, fmt.Errorf("enqueuing job: %w", err)
	}

	slog.Info("job submitted",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"entity_id", job.EntityID,
		"correlation_id", job.CorrelationID,
	)
	return job, true, nil
}

// enqueue pushes with a bounded number of immediate retries. The default is
// zero retries so a Redis outage surfaces to the caller right away.
func (s *Service) enqueue(ctx context.Context, jobID uuid.UUID) error {
	var err error
	for attempt := 0; attempt <= s.cfg.SubmitRetries; attempt++ {
		if err = s.jobs.PushQueue(ctx, jobID); err == nil {
			return nil
		}
	}
	return err
}

// GetStatus returns the current job record, jobstore.ErrNotFound for
// unknown or expired ids.
func (s *Service) GetStatus(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	return s.jobs.GetJob(ctx, jobID)
}

// WaitForCompletion polls until the job reaches a terminal status or the
// deadline passes. A timeout is not an error: the last observed record is
// returned and the caller inspects its status.
func (s *Service) WaitForCompletion(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	job, err := s.jobs.GetJob(waitCtx, jobID)
	if err != nil {
		return nil, err
	}

	for !models.TerminalStatus(job.Status) {
		select {
		case <-waitCtx.Done():
			return job, nil
		case <-ticker.C:
		}
		next, err := s.jobs.GetJob(waitCtx, jobID)
		if err != nil {
			// Keep the last good read; the record may have expired mid-wait.
			return job, nil
		}
		job = next
	}
	return job, nil
}

// Stats assembles queue, counter, and latency figures for operators.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	depth, err := s.jobs.QueueDepth(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading queue depth: %w", err)
	}
	counts, err := s.jobs.StatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading status counts: %w", err)
	}
	hits, err := s.jobs.DedupeHits(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading dedupe hits: %w", err)
	}

	p50, p95, p99 := s.recorder.Percentiles()
	return &Stats{
		QueueDepth:   depth,
		StatusCounts: counts,
		DedupeHits:   hits,
		LatencyP50Ms: p50,
		LatencyP95Ms: p95,
		LatencyP99Ms: p99,
		Breakers: map[string]string{
			"transformer": s.transformBreaker.State(),
			"embedding":   s.embedBreaker.State(),
		},
	}, nil
}

// CheckHealth probes each dependency with a short per-probe timeout.
func (s *Service) CheckHealth(ctx context.Context) Health {
	probe := func(p Pinger) bool {
		if p == nil {
			return true
		}
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return p.Ping(probeCtx) == nil
	}
	return Health{
		Redis:       probe(s.jobs),
		Postgres:    probe(s.db),
		Transformer: s.transformBreaker.Healthy(),
		Embedding:   s.embedBreaker.Healthy(),
	}
}
