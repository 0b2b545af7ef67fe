package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratosight/geotak/internal/audit"
	"github.com/stratosight/geotak/internal/auth"
	"github.com/stratosight/geotak/internal/middleware"
	"github.com/stratosight/geotak/internal/ratelimit"
)

// requestBudget is the total time allowed for one inbound request.
const requestBudget = 30 * time.Second

// RouterConfig collects everything the HTTP surface needs.
type RouterConfig struct {
	Authenticator *auth.Authenticator
	Journal       *audit.Journal
	Limiter       *ratelimit.Limiter
	Authenticated ratelimit.Config
	Anonymous     ratelimit.Config

	Detections *DetectionHandler
	Health     *HealthHandler
	Audit      *AuditHandler
	Live       *LiveHub
}

// NewRouter assembles the ingress chain. Order matters: the principal is
// resolved before the rate limiter picks a bucket, and the auth gate comes
// after the limiter so anonymous floods pay from the IP bucket.
func NewRouter(cfg RouterConfig) http.Handler {
	rl := middleware.NewRateLimitMiddleware(cfg.Limiter, cfg.Journal, cfg.Authenticated, cfg.Anonymous)

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ResolvePrincipal(cfg.Authenticator, cfg.Journal))
		r.Use(rl.Limit)

		r.Get("/health", cfg.Health.Status)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth)
			r.With(chimw.Timeout(requestBudget)).Post("/detections", cfg.Detections.Submit)
			r.Get("/audit", cfg.Audit.Query)
			if cfg.Live != nil {
				r.Get("/detections/live", cfg.Live.ServeWS)
			}
		})
	})

	return r
}
