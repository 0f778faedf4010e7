// Package router assembles the HTTP surface: public webhook ingress plus the
// JWT-protected campaign admin API.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/confirmasaude/confirma-platform/internal/http/handlers"
	httpmiddleware "github.com/confirmasaude/confirma-platform/internal/http/middleware"
	"github.com/confirmasaude/confirma-platform/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	WebhookHandler     *handlers.EvolutionWebhookHandler
	CampaignHandler    *handlers.CampaignHandler
	MetricsHandler     http.Handler
	AdminJWTSecret     string
	CORSAllowedOrigins []string
}

// New creates a chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: webhooks, health, metrics.
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		if cfg.WebhookHandler != nil {
			public.Post("/webhooks/evolution", cfg.WebhookHandler.HandleMessages)
		}
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
	})

	// Owner-scoped admin API.
	if cfg.CampaignHandler != nil {
		r.Route("/campaigns", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminJWTSecret))
			admin.Post("/", cfg.CampaignHandler.Create)
			admin.Get("/", cfg.CampaignHandler.List)
			admin.Route("/{id}", func(one chi.Router) {
				one.Get("/", cfg.CampaignHandler.Get)
				one.Post("/dispatch", cfg.CampaignHandler.Dispatch)
				one.Post("/cancel", cfg.CampaignHandler.Cancel)
				one.Delete("/", cfg.CampaignHandler.Delete)
				one.Post("/restore", cfg.CampaignHandler.Restore)
			})
		})
	}

	return r
}
