// Package jobstore persists enrichment job records, the dedupe index, and
// the work queue in Redis. It holds no business logic: callers own all
// lifecycle decisions, the store only provides atomic per-field operations
// (hash writes, counter increments, list push/pop).
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/profilekit/enrichd/pkg/models"
)

var (
	// ErrNotFound is returned when a job id has no record (never created,
	// or expired out of the store).
	ErrNotFound = errors.New("job not found")
	// ErrQueueTimeout is returned by PopQueue when the blocking wait
	// elapses without a job becoming available.
	ErrQueueTimeout = errors.New("queue pop timed out")
)

// CreateJobParams carries everything needed to create one job record.
type CreateJobParams struct {
	TenantID         uuid.UUID
	EntityID         string
	EntityDocumentID string
	IdempotencyKey   string
	Force            bool
	Payload          map[string]any
	CorrelationID    string
	Priority         int
}

// Store is the job persistence interface. All job record, dedupe, and
// queue operations go through here. Implementations must be safe for
// concurrent use.
type Store interface {
	// CreateJob creates a queued job, or returns the existing active job
	// for the same dedupe key when Force is false. The bool reports
	// whether a new job was created.
	CreateJob(ctx context.Context, params CreateJobParams) (*models.Job, bool, error)
	// GetJob returns ErrNotFound for unknown or expired ids.
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error)
	// UpdateStatus moves the job to newStatus and keeps the per-status
	// counters in step (previous status decremented, new incremented).
	UpdateStatus(ctx context.Context, jobID uuid.UUID, newStatus string, opts ...UpdateOption) error
	// IncrementAttempt bumps the attempt counter and returns the new count.
	IncrementAttempt(ctx context.Context, jobID uuid.UUID) (int, error)

	PushQueue(ctx context.Context, jobID uuid.UUID) error
	// PopQueue blocks up to timeout for the next job id. Each queued id is
	// delivered to exactly one caller.
	PopQueue(ctx context.Context, timeout time.Duration) (uuid.UUID, error)

	QueueDepth(ctx context.Context) (int64, error)
	StatusCounts(ctx context.Context) (map[string]int64, error)
	DedupeHits(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
}

type updateParams struct {
	ErrorMessage *string
	Result       *models.JobResult
}

// UpdateOption attaches terminal metadata to a status update.
type UpdateOption func(*updateParams)

// WithErrorMessage records the terminal error string on a failed job.
func WithErrorMessage(msg string) UpdateOption {
	return func(p *updateParams) {
		p.ErrorMessage = &msg
	}
}

// WithResult attaches the terminal result payload.
func WithResult(result *models.JobResult) UpdateOption {
	return func(p *updateParams) {
		p.Result = result
	}
}

// ApplyUpdateOptions writes the option payloads onto a job record. Used by
// in-memory Store implementations; RedisStore serializes the fields itself.
func ApplyUpdateOptions(job *models.Job, opts ...UpdateOption) {
	var p updateParams
	for _, opt := range opts {
		opt(&p)
	}
	if p.ErrorMessage != nil {
		job.ErrorMessage = p.ErrorMessage
	}
	if p.Result != nil {
		job.Result = p.Result
	}
}
