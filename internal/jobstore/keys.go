package jobstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const (
	keyPrefix       = "enrich:"
	queueKey        = "enrich:queue"
	statusCountsKey = "enrich:status_counts"
	dedupeHitsKey   = "enrich:dedupe_hits"
)

func jobKey(jobID uuid.UUID) string {
	return fmt.Sprintf("enrich:job:%s", jobID)
}

func dedupeKey(tenantID uuid.UUID, hash string) string {
	return fmt.Sprintf("enrich:dedupe:%s:%s", tenantID, hash)
}

// DedupeHash collapses duplicate submissions onto one key: a sha-256 over
// tenant, entity, idempotency key, and the canonical JSON encoding of the
// payload (encoding/json sorts map keys, so equal payloads hash equally).
func DedupeHash(tenantID uuid.UUID, entityID, idempotencyKey string, payload map[string]any) string {
	h := sha256.New()
	h.Write([]byte(tenantID.String()))
	h.Write([]byte{0})
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(idempotencyKey))
	h.Write([]byte{0})
	if len(payload) > 0 {
		canonical, err := json.Marshal(payload)
		if err == nil {
			h.Write(canonical)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
