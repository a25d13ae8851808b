package handler

import (
	"context"
	"net/http"

	"github.com/profilekit/enrichd/internal/api/response"
	"github.com/profilekit/enrichd/internal/enrich"
)

// HealthChecker probes backing dependencies.
type HealthChecker interface {
	CheckHealth(ctx context.Context) enrich.Health
}

// NewHealthHandler returns the handler for GET /v1/health. Answers 200 when
// both stores are reachable, 503 with per-dependency detail otherwise.
// Breaker states are reported but never fail the check.
func NewHealthHandler(svc HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := svc.CheckHealth(r.Context())

		if !health.Healthy() {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more dependencies are unavailable", health)
			return
		}

		response.JSON(w, map[string]any{
			"status":       "ok",
			"dependencies": health,
		})
	}
}
