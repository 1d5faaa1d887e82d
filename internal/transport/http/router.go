// Package http wires the service's REST surface onto chi.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"affiliation/internal/platform/middleware"
)

// Deps carries the collaborators the router hands to its handlers.
type Deps struct {
	Citizens  CitizenService
	Transfers TransferService
	Logger    *slog.Logger
	// Health reports readiness of the process's dependencies. nil means
	// always healthy.
	Health func(ctx context.Context) error
}

// NewRouter builds the full HTTP surface: the versioned API, health, and
// metrics.
func NewRouter(deps Deps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(middleware.ContentTypeJSON)

	r.Get("/healthz", healthHandler(deps.Health))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		NewCitizenHandler(deps.Citizens, deps.Logger).Register(r)
		NewTransferHandler(deps.Transfers, deps.Logger).Register(r)
	})
	return r
}

func healthHandler(health func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(r.Context()); err != nil {
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
