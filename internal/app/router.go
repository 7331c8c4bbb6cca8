// Package app wires the HTTP surface together: router assembly, readiness
// checks, and the middleware stack shared by every route.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/compintel-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/compintel-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/compintel-pipeline/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Read-only surface
	r.Get("/v1/health", srv.HealthHandler())
	r.Get("/v1/metrics/admission", srv.AdmissionMetricsHandler())
	r.Get("/v1/projects/{id}/freshness", srv.FreshnessHandler())
	r.Get("/v1/projects/{id}/analysis", srv.AnalysisStatusHandler())
	r.Get("/v1/jobs", srv.ListJobsHandler())
	r.Get("/v1/jobs/{id}/executions", srv.ExecutionsHandler())

	// Mutating endpoints, rate limited per client IP
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/projects/{id}/scrape", srv.ScrapeHandler())
		wr.Post("/v1/projects/{id}/analyze", srv.AnalyzeHandler())
		wr.Post("/v1/jobs", srv.ScheduleJobHandler())
		wr.Post("/v1/jobs/{id}/pause", srv.PauseJobHandler())
		wr.Post("/v1/jobs/{id}/resume", srv.ResumeJobHandler())
		wr.Post("/v1/jobs/{id}/run", srv.RunJobHandler())
	})

	// Operator surface
	r.Group(func(ar chi.Router) {
		ar.Use(httpserver.OperatorGuard(cfg.OperatorKeyHash))
		ar.Post("/v1/admin/circuit/trip", srv.CircuitTripHandler())
		ar.Post("/v1/admin/circuit/reset", srv.CircuitResetHandler())
	})

	// Liveness, readiness, metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
