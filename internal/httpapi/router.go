package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/auth-platform/traffic-guard/internal/auth"
	"github.com/auth-platform/traffic-guard/internal/interceptor"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	MetricsEnabled bool
	MetricsPath    string
	AuthMiddleware *auth.Middleware
	RequestTimeout time.Duration
}

// HealthChecker reports readiness of one dependency.
type HealthChecker func(ctx context.Context) error

// NewRouter assembles the full HTTP surface. Everything under /api/ is
// guarded by the interceptor; health, metrics, and the admin API bypass it
// so operators keep access while an incident is being handled.
func NewRouter(ic *interceptor.Interceptor, admin *AdminHandler, checks map[string]HealthChecker, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", livenessHandler())
	r.Get("/ready", readinessHandler(checks))

	if cfg.MetricsEnabled {
		r.Handle(cfg.MetricsPath, promhttp.Handler())
	}

	r.Route("/admin/v1", func(r chi.Router) {
		if cfg.AuthMiddleware != nil {
			r.Use(cfg.AuthMiddleware.Authenticate)
			r.Use(cfg.AuthMiddleware.RequireScope(auth.ScopeAdmin))
		}

		r.Get("/rules", admin.ListRules)
		r.Put("/rules", admin.UpsertRule)
		r.Delete("/rules/{id}", admin.DeleteRule)

		r.Get("/overrides", admin.ListOverrides)
		r.Put("/overrides", admin.UpsertOverride)
		r.Delete("/overrides/{id}", admin.DeleteOverride)

		r.Get("/bans", admin.ListBans)
		r.Post("/bans", admin.CreateBan)
		r.Delete("/bans/{identity}", admin.DeleteBan)

		r.Get("/stats/paths", admin.PathStats)
		r.Get("/stats/offenders", admin.TopOffenders)
		r.Get("/stats/errors", admin.ErrorStats)
	})

	// The guarded application surface. Deployments put their reverse proxy
	// or service handlers behind this subtree.
	r.Route("/api", func(r chi.Router) {
		if cfg.AuthMiddleware != nil {
			r.Use(cfg.AuthMiddleware.Identify)
		}
		r.Use(ic.Middleware)

		r.Get("/v1/check", checkHandler)
	})

	return r
}

// checkHandler is the canonical guarded endpoint: reaching it means the
// interceptor allowed the request. Gateways use it for ask-mode decisions.
func checkHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"allowed": true})
}

func livenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

func readinessHandler(checks map[string]HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		writeJSON(w, status, map[string]any{"checks": results})
	}
}
