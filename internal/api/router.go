package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/profilekit/enrichd/internal/api/middleware"
	"github.com/profilekit/enrichd/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	EnrichHandler http.HandlerFunc
	StatusHandler http.HandlerFunc
	StatsHandler  http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.CorrelationID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/v1/enrich/profile", orNotImplemented(deps.EnrichHandler))
		r.Get("/v1/enrich/status/{jobID}", orNotImplemented(deps.StatusHandler))
		r.Get("/v1/enrich/stats", orNotImplemented(deps.StatsHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
