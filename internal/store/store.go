package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/profilekit/enrichd/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the relational data access interface: tenants and API keys for
// the auth layer, plus the durable profile snapshots the search pipeline
// reads after enrichment.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultTenant(ctx context.Context) (*models.Tenant, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, tenantID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) error

	UpsertProfileSnapshot(ctx context.Context, rec *models.SnapshotRecord) error
	GetProfileSnapshot(ctx context.Context, tenantID uuid.UUID, entityID string) (*models.SnapshotRecord, error)
}
