package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/profilekit/enrichd/pkg/models"
)

// RedisStore implements the Store interface using go-redis/v9.
//
// Layout: one hash per job (TTL-bound), one string per dedupe entry
// (TTL-bound), a FIFO list as the work queue, and a hash of per-status
// counters. No multi-field transactional consistency is needed, so all
// mutation goes through pipelined per-field operations.
type RedisStore struct {
	client    *redis.Client
	opts      *redis.Options
	jobTTL    time.Duration
	dedupeTTL time.Duration
}

// NewRedisStore creates a RedisStore from a Redis URL. jobTTL bounds how
// long a job record survives regardless of terminal state; dedupeTTL bounds
// the dedupe window.
func NewRedisStore(redisURL string, jobTTL, dedupeTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisStore{
		client:    redis.NewClient(opts),
		opts:      opts,
		jobTTL:    jobTTL,
		dedupeTTL: dedupeTTL,
	}, nil
}

// Dedicated returns a store backed by its own connection pool, duplicated
// from this store's options. Each worker loop uses one so its blocking pops
// never starve other callers sharing the base pool.
func (s *RedisStore) Dedicated() *RedisStore {
	return &RedisStore{
		client:    redis.NewClient(s.opts),
		opts:      s.opts,
		jobTTL:    s.jobTTL,
		dedupeTTL: s.dedupeTTL,
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) CreateJob(ctx context.Context, params CreateJobParams) (*models.Job, bool, error) {
	hash := DedupeHash(params.TenantID, params.EntityID, params.IdempotencyKey, params.Payload)
	dkey := dedupeKey(params.TenantID, hash)

	if !params.Force {
		existingID, err := s.client.Get(ctx, dkey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, false, fmt.Errorf("dedupe lookup: %w", err)
		}
		if err == nil {
			jobID, parseErr := uuid.Parse(existingID)
			if parseErr == nil {
				job, getErr := s.GetJob(ctx, jobID)
				if getErr == nil {
					s.client.Incr(ctx, dedupeHitsKey)
					return job, false, nil
				}
				if !errors.Is(getErr, ErrNotFound) {
					return nil, false, getErr
				}
				// Dedupe entry outlived its job record; create fresh.
			}
		}
	}

	now := time.Now().UTC()
	correlationID := params.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	job := &models.Job{
		ID:               uuid.New(),
		TenantID:         params.TenantID,
		EntityID:         params.EntityID,
		EntityDocumentID: params.EntityDocumentID,
		DedupeKey:        hash,
		Status:           models.JobStatusQueued,
		CorrelationID:    correlationID,
		Priority:         params.Priority,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), jobFields(job))
	pipe.Expire(ctx, jobKey(job.ID), s.jobTTL)
	// Last writer wins: a forced resubmission repoints the dedupe entry at
	// the newest job.
	pipe.Set(ctx, dkey, job.ID.String(), s.dedupeTTL)
	pipe.HIncrBy(ctx, statusCountsKey, models.JobStatusQueued, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	return job, true, nil
}

func (s *RedisStore) GetJob(ctx context.Context, jobID uuid.UUID) (*models.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseJob(fields)
}

func (s *RedisStore) UpdateStatus(ctx context.Context, jobID uuid.UUID, newStatus string, opts ...UpdateOption) error {
	var params updateParams
	for _, opt := range opts {
		opt(&params)
	}

	prevStatus, err := s.client.HGet(ctx, jobKey(jobID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}

	update := map[string]any{
		"status":     newStatus,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if params.ErrorMessage != nil {
		update["error"] = *params.ErrorMessage
	}
	if params.Result != nil {
		resultJSON, err := json.Marshal(params.Result)
		if err != nil {
			return fmt.Errorf("marshal job result: %w", err)
		}
		update["result"] = string(resultJSON)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, jobKey(jobID), update)
	pipe.HIncrBy(ctx, statusCountsKey, prevStatus, -1)
	pipe.HIncrBy(ctx, statusCountsKey, newStatus, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

func (s *RedisStore) IncrementAttempt(ctx context.Context, jobID uuid.UUID) (int, error) {
	exists, err := s.client.Exists(ctx, jobKey(jobID)).Result()
	if err != nil {
		return 0, fmt.Errorf("check job: %w", err)
	}
	if exists == 0 {
		return 0, ErrNotFound
	}
	count, err := s.client.HIncrBy(ctx, jobKey(jobID), "attempt_count", 1).Result()
	if err != nil {
		return 0, fmt.Errorf("increment attempt: %w", err)
	}
	return int(count), nil
}

func (s *RedisStore) PushQueue(ctx context.Context, jobID uuid.UUID) error {
	if err := s.client.RPush(ctx, queueKey, jobID.String()).Err(); err != nil {
		return fmt.Errorf("push queue: %w", err)
	}
	return nil
}

func (s *RedisStore) PopQueue(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	res, err := s.client.BLPop(ctx, timeout, queueKey).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, ErrQueueTimeout
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("pop queue: %w", err)
	}
	// BLPOP returns [key, value].
	jobID, err := uuid.Parse(res[1])
	if err != nil {
		return uuid.Nil, fmt.Errorf("malformed job id %q on queue: %w", res[1], err)
	}
	return jobID, nil
}

func (s *RedisStore) QueueDepth(ctx context.Context) (int64, error) {
	depth, err := s.client.LLen(ctx, queueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return depth, nil
}

func (s *RedisStore) StatusCounts(ctx context.Context) (map[string]int64, error) {
	fields, err := s.client.HGetAll(ctx, statusCountsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	counts := make(map[string]int64, len(fields))
	for status, raw := range fields {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		counts[status] = n
	}
	return counts, nil
}

func (s *RedisStore) DedupeHits(ctx context.Context) (int64, error) {
	hits, err := s.client.Get(ctx, dedupeHitsKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("dedupe hits: %w", err)
	}
	return hits, nil
}

// IncrWithExpiry bumps a namespaced counter and starts its window on first
// increment. Backs the API rate limiter.
func (s *RedisStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	full := keyPrefix + key
	count, err := s.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, full, ttl).Err(); err != nil {
			return count, fmt.Errorf("expire %s: %w", key, err)
		}
	}
	return count, nil
}

// jobFields flattens a job onto hash fields. Result and error are absent
// until a terminal update writes them.
func jobFields(job *models.Job) map[string]any {
	return map[string]any{
		"id":                 job.ID.String(),
		"tenant_id":          job.TenantID.String(),
		"entity_id":          job.EntityID,
		"entity_document_id": job.EntityDocumentID,
		"dedupe_key":         job.DedupeKey,
		"status":             job.Status,
		"correlation_id":     job.CorrelationID,
		"priority":           strconv.Itoa(job.Priority),
		"attempt_count":      strconv.Itoa(job.AttemptCount),
		"created_at":         job.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":         job.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func parseJob(fields map[string]string) (*models.Job, error) {
	id, err := uuid.Parse(fields["id"])
	if err != nil {
		return nil, fmt.Errorf("parse job id: %w", err)
	}
	tenantID, err := uuid.Parse(fields["tenant_id"])
	if err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}

	job := &models.Job{
		ID:               id,
		TenantID:         tenantID,
		EntityID:         fields["entity_id"],
		EntityDocumentID: fields["entity_document_id"],
		DedupeKey:        fields["dedupe_key"],
		Status:           fields["status"],
		CorrelationID:    fields["correlation_id"],
	}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.AttemptCount, _ = strconv.Atoi(fields["attempt_count"])
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["created_at"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updated_at"])

	if msg, ok := fields["error"]; ok && msg != "" {
		job.ErrorMessage = &msg
	}
	if raw, ok := fields["result"]; ok && raw != "" {
		var result models.JobResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("parse job result: %w", err)
		}
		job.Result = &result
	}

	return job, nil
}

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
