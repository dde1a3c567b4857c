package httptransport

import (
	"log"
	"net/http"

	"crosslock/internal/jwtauth"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter assembles the full HTTP surface: public protocol and token
// endpoints, JWT-protected management endpoints, health, and metrics.
func NewRouter(h *Handler, auth *jwtauth.Service, registry *prometheus.Registry, logger *log.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	h.RegisterPublic(r)

	r.Group(func(r chi.Router) {
		r.Use(jwtauth.RequireAuth(auth, logger))
		h.Register(r)
	})

	return r
}
