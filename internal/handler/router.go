package handler

import (
	"net/http"
	"time"

	"github.com/boddenberg/blog-content-cache/internal/domain"
	"github.com/boddenberg/blog-content-cache/internal/infra/observability"
	"github.com/boddenberg/blog-content-cache/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// NewRouter creates the HTTP router with all routes and middleware.
// adminSecret signs the bearer tokens accepted on /v1/admin.
func NewRouter(svc *service.ContentService, metrics *observability.Metrics, adminSecret []byte, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(svc, logger))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		// Public reads
		r.Get("/home", homeHandler(svc, logger))
		r.Get("/posts", listPostsHandler(svc, logger))
		r.Get("/posts/{postId}", getPostHandler(svc, logger))
		r.Get("/posts/slug/{slug}", getPostBySlugHandler(svc, logger))
		r.Get("/categories", listCategoriesHandler(svc, logger))
		r.Get("/tags", listTagsHandler(svc, logger))

		// Admin
		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(adminSecret, logger))
			r.Patch("/posts/{postId}", updatePostHandler(svc, logger))
			r.Get("/cache/stats", cacheStatsHandler(svc))
			r.Delete("/cache", clearCacheHandler(svc, logger))
		})
	})

	return r
}

// ============================================================
// Operational
// ============================================================

func healthzHandler(svc *service.ContentService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "blog-api", Status: "healthy", LastChecked: now},
		}

		if svc != nil {
			start := time.Now()
			err := svc.Ping(r.Context())
			store := domain.ServiceHealth{
				Name:        "store",
				Status:      "healthy",
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			}
			if err != nil {
				logger.Warn("health: store ping failed", zap.Error(err))
				store.Status = "degraded"
				store.Error = err.Error()
			}
			services = append(services, store)
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
