// Package embed upserts search embeddings for enriched profiles. The
// embedding service is best-effort: every failure is absorbed into an
// Outcome so a broken embedding pipeline can never fail an enrichment job.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/profilekit/enrichd/internal/breaker"
	"github.com/profilekit/enrichd/internal/config"
	"github.com/profilekit/enrichd/pkg/models"
)

// Sentinel errors for embedding call classification. Timeout, network,
// server, and rate-limit failures are retryable; auth and unknown are not.
var (
	ErrTimeout   = errors.New("embed request timeout")
	ErrNetwork   = errors.New("embed service unreachable")
	ErrServer    = errors.New("embed server error")
	ErrRateLimit = errors.New("embed rate limited")
	ErrAuth      = errors.New("embed authorization rejected")
	ErrUnknown   = errors.New("embed unexpected response")
)

// Skip reasons reported on Outcome when no call is attempted.
const (
	SkipDisabled = "embedding_disabled"
	SkipNoText   = "no_searchable_text"
)

// Outcome is the result of an upsert attempt series. Success=false with
// Skipped=false means the call ran out of retries or hit an open breaker.
type Outcome struct {
	Success    bool
	DurationMs int64
	Attempts   int
	Skipped    bool
	SkipReason string
	Err        error
}

// Client upserts one profile embedding. Implementations never return an
// error; the Outcome carries everything the caller records.
type Client interface {
	Upsert(ctx context.Context, job *models.Job, snapshot models.ProfileSnapshot) Outcome
}

// HTTPClient implements Client against the embedding service HTTP API,
// guarded by its own retry policy and circuit breaker.
type HTTPClient struct {
	cfg     config.EmbedConfig
	policy  breaker.Policy
	breaker *breaker.Breaker
	client  *http.Client
}

// NewHTTPClient creates an embedding client. br guards the embedding
// dependency and is owned by this client; pass the same instance to the
// health surface for state reads.
func NewHTTPClient(cfg config.EmbedConfig, policy breaker.Policy, br *breaker.Breaker) *HTTPClient {
	policy.Limit = cfg.RetryLimit
	return &HTTPClient{
		cfg:     cfg,
		policy:  policy,
		breaker: br,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

type upsertRequest struct {
	EntityID string         `json:"entityId"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}

func (c *HTTPClient) Upsert(ctx context.Context, job *models.Job, snapshot models.ProfileSnapshot) Outcome {
	if !c.cfg.Enabled {
		return Outcome{Skipped: true, SkipReason: SkipDisabled}
	}

	text := DeriveText(snapshot)
	if text == "" {
		// A snapshot with nothing to index is a skip, not a dependency
		// failure; it must not count against the breaker.
		return Outcome{Skipped: true, SkipReason: SkipNoText}
	}

	payload := upsertRequest{
		EntityID: fmt.Sprintf("%s:%s", job.TenantID, job.EntityID),
		Text:     text,
		Metadata: map[string]any{
			"job_id":             job.ID.String(),
			"correlation_id":     job.CorrelationID,
			"entity_document_id": job.EntityDocumentID,
		},
	}

	start := time.Now()
	attempts, err := breaker.Do(ctx, c.policy, c.breaker, func(attempt int) error {
		return c.call(ctx, job, payload)
	})
	outcome := Outcome{
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Attempts:   attempts,
		Err:        err,
	}
	return outcome
}

// call issues a single upsert request with the per-call timeout.
func (c *HTTPClient) call(ctx context.Context, job *models.Job, payload upsertRequest) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		return breaker.Permanent(fmt.Errorf("%w: marshal request: %v", ErrUnknown, err))
	}

	url := c.cfg.BaseURL + "/v1/embeddings/upsert"
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return breaker.Permanent(fmt.Errorf("%w: build request: %v", ErrUnknown, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(c.cfg.TenantHeader, job.TenantID.String())
	if c.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for connection reuse

	return classifyStatus(resp.StatusCode)
}

// classifyTransportError maps transport-level errors onto sentinels.
func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrNetwork, err)
}

// classifyStatus maps a response status onto the retry taxonomy. Any 2xx
// is success.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimit, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return breaker.Permanent(fmt.Errorf("%w: status %d", ErrAuth, status))
	case status >= 500:
		return fmt.Errorf("%w: status %d", ErrServer, status)
	default:
		return breaker.Permanent(fmt.Errorf("%w: status %d", ErrUnknown, status))
	}
}

// Breaker exposes the guarding breaker for health reads.
func (c *HTTPClient) Breaker() *breaker.Breaker { return c.breaker }

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
