package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sevigo/invoice-relay/internal/config"
	"github.com/sevigo/invoice-relay/internal/server/handler"
)

// NewRouter creates and configures a new HTTP router with middleware and API routes.
func NewRouter(cfg *config.Config, ingester handler.Ingester, filer handler.Filer, jobs handler.JobReader, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Configure middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	webhookHandler := handler.NewWebhookHandler(ingester, cfg.Ingest.Timeout, cfg.Ingest.MaxBodyBytes, logger)
	r.Post("/webhooks/{source}", webhookHandler.Handle)

	// Internal API routes
	r.Route("/api/v1", func(r chi.Router) {
		api := handler.NewAPIHandler(jobs, filer, logger)
		r.Post("/submissions", api.Submit)
		r.Get("/jobs/{id}", api.GetJob)
		r.Get("/stats", api.Stats)
	})

	return r
}
