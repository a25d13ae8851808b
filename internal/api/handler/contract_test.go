package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/profilekit/enrichd/internal/api"
	"github.com/profilekit/enrichd/internal/api/handler"
	mw "github.com/profilekit/enrichd/internal/api/middleware"
	"github.com/profilekit/enrichd/internal/enrich"
	"github.com/profilekit/enrichd/internal/jobstore"
	"github.com/profilekit/enrichd/internal/store"
	"github.com/profilekit/enrichd/pkg/models"
)

var (
	testTenantID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	testRawKey   = "ek_test_contract_key_1234567890"
	testPrefix   = testRawKey[:8]
)

func testKeyHash() string {
	h, _ := bcrypt.GenerateFromPassword([]byte(testRawKey), bcrypt.MinCost)
	return string(h)
}

// --- mock relational store (auth + keys) ---

type mockStore struct {
	mu   sync.Mutex
	keys []*models.APIKey
}

func newMockStore() *mockStore {
	return &mockStore{
		keys: []*models.APIKey{{
			ID:        uuid.New(),
			TenantID:  testTenantID,
			Name:      "test-key",
			KeyHash:   testKeyHash(),
			KeyPrefix: testPrefix,
			Scopes:    []string{"enrich", "admin"},
		}},
	}
}

func (s *mockStore) Ping(_ context.Context) error { return nil }

func (s *mockStore) GetDefaultTenant(_ context.Context) (*models.Tenant, error) {
	return &models.Tenant{ID: testTenantID, Name: "default"}, nil
}

func (s *mockStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *mockStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

func (s *mockStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keys {
		if existing.Name == key.Name && existing.TenantID == key.TenantID {
			return store.ErrDuplicateKey
		}
	}
	s.keys = append(s.keys, key)
	return nil
}

func (s *mockStore) ListAPIKeys(_ context.Context, tenantID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.TenantID == tenantID && k.DeletedAt == nil {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *mockStore) RevokeAPIKey(_ context.Context, id uuid.UUID, tenantID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, k := range s.keys {
		if k.ID == id && k.TenantID == tenantID && k.DeletedAt == nil {
			k.DeletedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *mockStore) UpsertProfileSnapshot(_ context.Context, _ *models.SnapshotRecord) error {
	return nil
}

func (s *mockStore) GetProfileSnapshot(_ context.Context, _ uuid.UUID, _ string) (*models.SnapshotRecord, error) {
	return nil, store.ErrNotFound
}

var _ store.Store = (*mockStore)(nil)

// --- mock enrichment service ---

type mockEnricher struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*models.Job
	dedupeNext bool
	completeOn string // entity id whose sync wait completes
}

func newMockEnricher() *mockEnricher {
	return &mockEnricher{jobs: make(map[uuid.UUID]*models.Job)}
}

func (m *mockEnricher) Submit(_ context.Context, params enrich.SubmitParams) (*models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dedupeNext {
		for _, j := range m.jobs {
			if j.EntityID == params.EntityID {
				return j, false, nil
			}
		}
	}
	job := &models.Job{
		ID:            uuid.New(),
		TenantID:      params.TenantID,
		EntityID:      params.EntityID,
		Status:        models.JobStatusQueued,
		CorrelationID: params.CorrelationID,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	return job, true, nil
}

func (m *mockEnricher) GetStatus(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	return job, nil
}

func (m *mockEnricher) WaitForCompletion(_ context.Context, jobID uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, jobstore.ErrNotFound
	}
	if job.EntityID == m.completeOn {
		job.Status = models.JobStatusCompleted
		job.Result = &models.JobResult{Attempts: 1, EmbeddingUpserted: true}
	}
	return job, nil
}

type mockStats struct{}

func (mockStats) Stats(_ context.Context) (*enrich.Stats, error) {
	return &enrich.Stats{
		QueueDepth:   3,
		StatusCounts: map[string]int64{"queued": 3, "completed": 10},
		DedupeHits:   2,
		Breakers:     map[string]string{"transformer": "closed", "embedding": "closed"},
	}, nil
}

type mockHealth struct{ h enrich.Health }

func (m mockHealth) CheckHealth(_ context.Context) enrich.Health { return m.h }

type noopCounter struct{}

func (noopCounter) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 1, nil
}

// --- test harness ---

type testServer struct {
	server   *httptest.Server
	store    *mockStore
	enricher *mockEnricher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ms := newMockStore()
	me := newMockEnricher()

	deps := api.Dependencies{
		Auth:      mw.NewAuth(ms),
		RateLimit: mw.NewRateLimit(noopCounter{}, 1000),

		HealthHandler: handler.NewHealthHandler(mockHealth{h: enrich.Health{
			Redis: true, Postgres: true, Transformer: true, Embedding: true,
		}}),
		EnrichHandler: handler.NewEnrichHandler(me),
		StatusHandler: handler.NewStatusHandler(me),
		StatsHandler:  handler.NewStatsHandler(mockStats{}),

		CreateKeyHandler: handler.NewCreateKeyHandler(ms),
		ListKeysHandler:  handler.NewListKeysHandler(ms),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(ms),
	}

	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	return &testServer{server: srv, store: ms, enricher: me}
}

func (ts *testServer) authRequest(method, path string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, ts.server.URL+path, &buf)
	req.Header.Set("Authorization", "Bearer "+testRawKey)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func (ts *testServer) unauthRequest(method, path string) *http.Request {
	req, _ := http.NewRequest(method, ts.server.URL+path, nil)
	return req
}

func parseBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

// --- GET /v1/health ---

func TestHealth_200_Public(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.unauthRequest("GET", "/v1/health"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
}

func TestHealth_503_Degraded(t *testing.T) {
	ms := newMockStore()
	deps := api.Dependencies{
		Auth:      mw.NewAuth(ms),
		RateLimit: mw.NewRateLimit(noopCounter{}, 1000),
		HealthHandler: handler.NewHealthHandler(mockHealth{h: enrich.Health{
			Redis: false, Postgres: true, Transformer: true, Embedding: true,
		}}),
	}
	srv := httptest.NewServer(api.NewRouter(deps))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DEGRADED", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Equal(t, false, details["redis"])
}

// --- POST /v1/enrich/profile ---

func TestEnrich_202_Async(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.authRequest("POST", "/v1/enrich/profile", map[string]any{
		"entity_id": "profile-1",
		"payload":   map[string]any{"name": "Ada"},
	}))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].(map[string]any)
	assert.Equal(t, "queued", data["status"])

	jobID, err := uuid.Parse(data["job_id"].(string))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, jobID)
}

func TestEnrich_200_Deduplicated(t *testing.T) {
	ts := newTestServer(t)

	first, err := http.DefaultClient.Do(ts.authRequest("POST", "/v1/enrich/profile", map[string]any{
		"entity_id": "profile-dup",
	}))
	require.NoError(t, err)
	first.Body.Close()

	ts.enricher.dedupeNext = true
	resp, err := http.DefaultClient.Do(ts.authRequest("POST", "/v1/enrich/profile", map[string]any{
		"entity_id": "profile-dup",
	}))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["deduplicated"])
}

func TestEnrich_200_SyncWaitsForResult(t *testing.T) {
	ts := newTestServer(t)
	ts.enricher.completeOn = "profile-sync"

	resp, err := http.DefaultClient.Do(ts.authRequest("POST", "/v1/enrich/profile", map[string]any{
		"entity_id": "profile-sync",
		"async":     false,
	}))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].(map[string]any)
	assert.Equal(t, "completed", data["status"])
	assert.NotNil(t, data["result"])
}

func TestEnrich_202_SyncTimeoutReturnsLastKnown(t *testing.T) {
	ts := newTestServer(t)
	// completeOn is unset, so the wait deadline passes with the job
	// still queued.

	resp, err := http.DefaultClient.Do(ts.authRequest("POST", "/v1/enrich/profile", map[string]any{
		"entity_id": "profile-slow",
		"async":     false,
	}))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].(map[string]any)
	assert.Equal(t, "queued", data["status"])
	assert.Nil(t, data["result"])
}

func TestEnrich_400_MissingEntityID(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.authRequest("POST", "/v1/enrich/profile", map[string]any{
		"payload": map[string]any{"name": "Ada"},
	}))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "INVALID_REQUEST", errObj["code"])
}

func TestEnrich_401_NoToken(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.unauthRequest("POST", "/v1/enrich/profile"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// --- GET /v1/enrich/status/{jobID} ---

func TestStatus_200(t *testing.T) {
	ts := newTestServer(t)

	job, _, err := ts.enricher.Submit(context.Background(), enrich.SubmitParams{
		TenantID: testTenantID,
		EntityID: "profile-status",
	})
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(ts.authRequest("GET", "/v1/enrich/status/"+job.ID.String(), nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].(map[string]any)
	assert.Equal(t, job.ID.String(), data["job_id"])
	assert.Equal(t, "queued", data["status"])
}

func TestStatus_404_Unknown(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.authRequest("GET", "/v1/enrich/status/"+uuid.NewString(), nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "JOB_NOT_FOUND", errObj["code"])
}

func TestStatus_404_WrongTenant(t *testing.T) {
	ts := newTestServer(t)

	job, _, err := ts.enricher.Submit(context.Background(), enrich.SubmitParams{
		TenantID: uuid.New(), // another tenant's job
		EntityID: "profile-other",
	})
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(ts.authRequest("GET", "/v1/enrich/status/"+job.ID.String(), nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatus_400_InvalidID(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.authRequest("GET", "/v1/enrich/status/not-a-uuid", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// --- GET /v1/enrich/stats ---

func TestStats_200(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.authRequest("GET", "/v1/enrich/stats", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(3), data["queue_depth"])
	assert.Equal(t, float64(2), data["dedupe_hits"])
	breakers := data["breakers"].(map[string]any)
	assert.Equal(t, "closed", breakers["transformer"])
}

// --- admin key management ---

func TestCreateKey_201_WithRawKey(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.authRequest("POST", "/v1/admin/keys", map[string]any{
		"name":   "ci-key",
		"scopes": []string{"enrich"},
	}))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].(map[string]any)
	assert.NotEmpty(t, data["id"])
	assert.NotEmpty(t, data["key"])
	assert.Equal(t, "ci-key", data["name"])
}

func TestCreateKey_409_Duplicate(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.authRequest("POST", "/v1/admin/keys", map[string]any{
		"name": "test-key", // already seeded
	}))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "DUPLICATE_KEY", errObj["code"])
}

func TestListKeys_DoesNotExposeSecrets(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.authRequest("GET", "/v1/admin/keys", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := parseBody(t, resp)
	data := body["data"].([]any)
	require.NotEmpty(t, data)

	first := data[0].(map[string]any)
	assert.NotEmpty(t, first["key_prefix"])
	assert.Nil(t, first["key"])
	assert.Nil(t, first["key_hash"])
}

func TestRevokeKey_204(t *testing.T) {
	ts := newTestServer(t)

	keyID := ts.store.keys[0].ID
	resp, err := http.DefaultClient.Do(ts.authRequest("DELETE", "/v1/admin/keys/"+keyID.String(), nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAdmin_403_WithoutAdminScope(t *testing.T) {
	ts := newTestServer(t)

	noAdminKey := "ek_noadmin_1234567890abcdef"
	noAdminHash, _ := bcrypt.GenerateFromPassword([]byte(noAdminKey), bcrypt.MinCost)
	ts.store.keys = append(ts.store.keys, &models.APIKey{
		ID:        uuid.New(),
		TenantID:  testTenantID,
		Name:      "no-admin-key",
		KeyHash:   string(noAdminHash),
		KeyPrefix: noAdminKey[:8],
		Scopes:    []string{"enrich"},
	})

	req, _ := http.NewRequest("GET", ts.server.URL+"/v1/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+noAdminKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	body := parseBody(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "FORBIDDEN", errObj["code"])
}

// --- envelope contract ---

func TestResponseFormat_Envelopes(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.DefaultClient.Do(ts.unauthRequest("GET", "/v1/health"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Contains(t, parseBody(t, resp), "data")

	resp2, err := http.DefaultClient.Do(ts.unauthRequest("POST", "/v1/enrich/profile"))
	require.NoError(t, err)
	defer resp2.Body.Close()
	body := parseBody(t, resp2)
	errObj := body["error"].(map[string]any)
	assert.NotEmpty(t, errObj["code"])
	assert.NotEmpty(t, errObj["message"])
}
