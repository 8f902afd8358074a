package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the relay API.
//
// Route layout:
//
//	GET  /healthz        – liveness probe (no authentication required)
//	GET  /metrics        – Prometheus exposition (no authentication required)
//	POST /api/v1/action  – action dispatch (JWT required when a key is set)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on the
// /api routes. Pass nil to disable JWT validation (useful for local runs
// and tests that cover only request parsing / response formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Unauthenticated probes.
	r.Get("/healthz", srv.handleHealthz)
	r.Get("/metrics", srv.handleMetrics)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey, srv.logger))
		}

		r.Post("/action", srv.handleAction)
	})

	return r
}
