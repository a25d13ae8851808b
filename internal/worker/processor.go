// Package worker drains the enrichment queue. A pool of N loops block-pops
// job ids and drives each job through a strictly sequential state machine:
// transform, persist, embed, finalize. Exactly one loop handles a given job
// because the queue delivers each id once.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/profilekit/enrichd/internal/breaker"
	"github.com/profilekit/enrichd/internal/embed"
	"github.com/profilekit/enrichd/internal/jobstore"
	"github.com/profilekit/enrichd/internal/metrics"
	"github.com/profilekit/enrichd/internal/transform"
	"github.com/profilekit/enrichd/pkg/models"
)

// SnapshotWriter persists the durable copy of a transformed profile.
type SnapshotWriter interface {
	UpsertProfileSnapshot(ctx context.Context, rec *models.SnapshotRecord) error
}

// Processor runs one dequeued job to a terminal state. It owns the
// transformer breaker; the embedding client carries its own.
type Processor struct {
	jobs      jobstore.Store
	invoker   transform.Invoker
	embedder  embed.Client
	snapshots SnapshotWriter
	recorder  *metrics.Recorder

	transformBreaker *breaker.Breaker
	retry            breaker.Policy
}

// NewProcessor wires a processor. retry.Limit bounds transformation
// retries; the embedding client retries internally.
func NewProcessor(
	jobs jobstore.Store,
	invoker transform.Invoker,
	embedder embed.Client,
	snapshots SnapshotWriter,
	recorder *metrics.Recorder,
	transformBreaker *breaker.Breaker,
	retry breaker.Policy,
) *Processor {
	return &Processor{
		jobs:             jobs,
		invoker:          invoker,
		embedder:         embedder,
		snapshots:        snapshots,
		recorder:         recorder,
		transformBreaker: transformBreaker,
		retry:            retry,
	}
}

// Process drives one job id through its lifecycle. It never returns an
// error: every outcome is recorded on the job itself, and infrastructure
// failures are logged and abandoned (the job record keeps its last state).
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID) {
	job, queueWait, ok := p.processQueued(ctx, jobID)
	if !ok {
		return
	}

	startedAt := time.Now()
	transformStart := time.Now()
	result, attempts, err := p.runTransform(ctx, job)
	transformMs := time.Since(transformStart).Milliseconds()

	if err != nil {
		p.finalize(ctx, job, finalState{
			status:      models.JobStatusFailed,
			err:         err,
			attempts:    attempts,
			queueWait:   queueWait,
			startedAt:   startedAt,
			transformMs: transformMs,
		})
		return
	}

	outcome, embedMs := p.processTransformed(ctx, job, result.Snapshot)

	p.finalize(ctx, job, finalState{
		status:      models.JobStatusCompleted,
		snapshot:    result.Snapshot,
		embed:       &outcome,
		attempts:    attempts,
		queueWait:   queueWait,
		startedAt:   startedAt,
		transformMs: transformMs,
		embedMs:     embedMs,
	})
}

// processQueued loads the job and moves it queued -> processing. A job in
// any other status is skipped: duplicate queue entries must not re-run work.
func (p *Processor) processQueued(ctx context.Context, jobID uuid.UUID) (*models.Job, time.Duration, bool) {
	job, err := p.jobs.GetJob(ctx, jobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		slog.Warn("dequeued job has no record, skipping", "job_id", jobID)
		return nil, 0, false
	}
	if err != nil {
		slog.Error("loading dequeued job", "job_id", jobID, "error", err)
		return nil, 0, false
	}

	if job.Status != models.JobStatusQueued {
		slog.Warn("skipping job not in queued status",
			"job_id", job.ID, "status", job.Status)
		return nil, 0, false
	}

	queueWait := time.Since(job.CreatedAt)
	if err := p.jobs.UpdateStatus(ctx, job.ID, models.JobStatusProcessing); err != nil {
		slog.Error("marking job processing", "job_id", job.ID, "error", err)
		return nil, 0, false
	}

	slog.Info("processing started",
		"job_id", job.ID,
		"tenant_id", job.TenantID,
		"entity_id", job.EntityID,
		"correlation_id", job.CorrelationID,
		"queue_wait_ms", queueWait.Milliseconds(),
	)
	return job, queueWait, true
}

// runTransform executes the transformer with retries. Attempt bookkeeping
// lives on the job record so resubmissions and restarts stay auditable; a
// bookkeeping failure aborts the job without counting against the
// transformer breaker, since it says nothing about the transformer itself.
func (p *Processor) runTransform(ctx context.Context, job *models.Job) (*transform.Result, int, error) {
	var result *transform.Result
	attempts, err := breaker.Do(ctx, p.retry, p.transformBreaker, func(_ int) error {
		attemptNo, incErr := p.jobs.IncrementAttempt(ctx, job.ID)
		if incErr != nil {
			return breaker.Abort(fmt.Errorf("attempt bookkeeping: %w", incErr))
		}
		var runErr error
		result, runErr = p.invoker.Run(ctx, job, attemptNo)
		return runErr
	})
	if err != nil {
		return nil, attempts, err
	}
	return result, attempts, nil
}

// processTransformed persists the snapshot and attempts the embedding.
// Both are best-effort: the transformation already succeeded, so nothing
// here can fail the job.
func (p *Processor) processTransformed(ctx context.Context, job *models.Job, snapshot models.ProfileSnapshot) (embed.Outcome, int64) {
	if p.snapshots != nil {
		rec := &models.SnapshotRecord{
			ID:            uuid.New(),
			TenantID:      job.TenantID,
			EntityID:      job.EntityID,
			JobID:         job.ID,
			Document:      snapshot,
			ModelVersion:  snapshot.StringField("model_version"),
			PromptVersion: snapshot.StringField("prompt_version"),
		}
		if err := p.snapshots.UpsertProfileSnapshot(ctx, rec); err != nil {
			slog.Warn("persisting profile snapshot failed",
				"job_id", job.ID, "entity_id", job.EntityID, "error", err)
		}
	}

	embedStart := time.Now()
	outcome := p.embedder.Upsert(ctx, job, snapshot)
	embedMs := time.Since(embedStart).Milliseconds()

	p.recorder.EmbedOutcome(ctx, outcome.Success, outcome.Skipped, outcome.SkipReason)
	if outcome.Err != nil {
		slog.Warn("embedding upsert did not succeed",
			"job_id", job.ID, "attempts", outcome.Attempts, "error", outcome.Err)
	}
	return outcome, embedMs
}

type finalState struct {
	status      string
	err         error
	snapshot    models.ProfileSnapshot
	embed       *embed.Outcome
	attempts    int
	queueWait   time.Duration
	startedAt   time.Time
	transformMs int64
	embedMs     int64
}

// finalize writes the terminal status and publishes completion metrics.
func (p *Processor) finalize(ctx context.Context, job *models.Job, fs finalState) {
	totalMs := fs.queueWait.Milliseconds() + time.Since(fs.startedAt).Milliseconds()
	phases := map[string]int64{
		"queue":     fs.queueWait.Milliseconds(),
		"transform": fs.transformMs,
		"embed":     fs.embedMs,
		"total":     totalMs,
	}

	result := &models.JobResult{
		ProcessingTimeSeconds: time.Since(fs.startedAt).Seconds(),
		Attempts:              fs.attempts,
		QueueDurationMs:       fs.queueWait.Milliseconds(),
		PhaseDurationsMs:      phases,
	}

	var opts []jobstore.UpdateOption
	if fs.status == models.JobStatusFailed {
		opts = append(opts,
			jobstore.WithErrorMessage(fs.err.Error()),
			jobstore.WithResult(result),
		)
	} else {
		result.ProfileSnapshot = fs.snapshot
		result.ModelVersion = fs.snapshot.StringField("model_version")
		result.PromptVersion = fs.snapshot.StringField("prompt_version")
		if fs.embed != nil {
			result.EmbeddingUpserted = fs.embed.Success
			if fs.embed.Skipped {
				result.EmbeddingSkippedReason = fs.embed.SkipReason
			} else if fs.embed.Err != nil {
				result.EmbeddingSkippedReason = fs.embed.Err.Error()
			}
		}
		opts = append(opts, jobstore.WithResult(result))
	}

	if err := p.jobs.UpdateStatus(ctx, job.ID, fs.status, opts...); err != nil {
		slog.Error("writing terminal job status",
			"job_id", job.ID, "status", fs.status, "error", err)
		return
	}

	p.recorder.JobFinished(ctx, job.TenantID.String(), fs.status,
		time.Duration(totalMs)*time.Millisecond, phases)

	if fs.status == models.JobStatusFailed {
		slog.Warn("job failed",
			"job_id", job.ID, "attempts", fs.attempts, "error", fs.err)
		return
	}
	slog.Info("job completed",
		"job_id", job.ID,
		"attempts", fs.attempts,
		"embedding_upserted", result.EmbeddingUpserted,
		"total_ms", totalMs,
	)
}
