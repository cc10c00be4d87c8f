package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/email-verifier/internal/pkg/httputil"
)

// SetupRoutes configures the read-only status routes.
func SetupRoutes(hc *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.NotFound(w, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputil.MethodNotAllowed(w)
	})

	r.Get("/health", hc.HandleHealth)
	r.Get("/stats", hc.HandleStats)

	return r
}
