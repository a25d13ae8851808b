package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SnapshotRecord is the durable copy of a transformed profile, persisted so
// the search pipeline reads a stable document rather than the TTL-bound job
// record. One row per (tenant, entity); re-enrichment overwrites it.
type SnapshotRecord struct {
	ID            uuid.UUID       `db:"id"             json:"id"`
	TenantID      uuid.UUID       `db:"tenant_id"      json:"tenant_id"`
	EntityID      string          `db:"entity_id"      json:"entity_id"`
	JobID         uuid.UUID       `db:"job_id"         json:"job_id"`
	Document      ProfileSnapshot `db:"document"       json:"document"`
	ModelVersion  string          `db:"model_version"  json:"model_version"`
	PromptVersion string          `db:"prompt_version" json:"prompt_version"`
	CreatedAt     time.Time       `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"     json:"updated_at"`
}

// ProfileSnapshot is the opaque document the external transformer emits for
// a profile. The transformer contract is arbitrary JSON, so the snapshot is
// validated at the boundary (exactly one JSON object) and carried as raw
// bytes from there on.
type ProfileSnapshot json.RawMessage

// ParseSnapshot validates that data is a single JSON object and returns it
// as a snapshot. Arrays, scalars, and malformed JSON are rejected.
func ParseSnapshot(data []byte) (ProfileSnapshot, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("snapshot is not a JSON object: %w", err)
	}
	return ProfileSnapshot(data), nil
}

// Field returns the raw value of a top-level field, or nil when absent.
func (s ProfileSnapshot) Field(name string) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(s, &fields); err != nil {
		return nil
	}
	return fields[name]
}

// StringField returns a top-level string field, or "" when absent or not a
// string.
func (s ProfileSnapshot) StringField(name string) string {
	raw := s.Field(name)
	if raw == nil {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

func (s ProfileSnapshot) MarshalJSON() ([]byte, error) {
	if len(s) == 0 {
		return []byte("null"), nil
	}
	return s, nil
}

func (s *ProfileSnapshot) UnmarshalJSON(data []byte) error {
	*s = append((*s)[:0], data...)
	return nil
}
