// Package app assembles the pieces shared by the server and worker binaries:
// the HTTP router, readiness checks and the reconciliation schedule.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/scrape-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/config"
	"github.com/fairyhunter13/scrape-orchestrator/internal/service/ratelimiter"
)

// ParseOrigins turns the comma-separated CORS_ALLOW_ORIGINS value into the
// origin list handed to the CORS middleware. Blank or wildcard-only input
// allows every origin.
func ParseOrigins(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" && p != "*" {
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
	// Recovery first so every later middleware is covered; request ids
	// before tracing and logs so both carry the correlation fields.
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Coarse per-IP ceiling in front of the per-class budgets.
	r.Group(func(api chi.Router) {
		api.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))

		// Anonymous surface, metered by origin.
		api.With(srv.RateLimit(ratelimiter.ClassRegister)).Post("/v1/auth/register", srv.RegisterHandler())
		api.With(srv.RateLimit(ratelimiter.ClassLogin)).Post("/v1/auth/login", srv.LoginHandler())

		// User-token surface, metered per user.
		api.Group(func(usr chi.Router) {
			usr.Use(srv.RequireUser)

			usr.Group(func(jr chi.Router) {
				jr.Use(srv.RateLimit(ratelimiter.ClassJobs))
				jr.Post("/v1/jobs", srv.CreateJobHandler())
				jr.Get("/v1/jobs", srv.ListJobsHandler())
				jr.Get("/v1/jobs/{id}", srv.GetJobHandler())
				jr.Post("/v1/jobs/{id}/pause", srv.PauseJobHandler())
				jr.Post("/v1/jobs/{id}/resume", srv.ResumeJobHandler())
				jr.Post("/v1/jobs/{id}/cancel", srv.CancelJobHandler())
				jr.Delete("/v1/jobs/{id}", srv.DeleteJobHandler())
			})

			usr.Group(func(ar chi.Router) {
				ar.Use(srv.RateLimit(ratelimiter.ClassAccounts))
				ar.Post("/v1/accounts", srv.CreateAccountHandler())
				ar.Get("/v1/accounts", srv.ListAccountsHandler())
				ar.Patch("/v1/accounts/{id}", srv.UpdateAccountHandler())
				ar.Delete("/v1/accounts/{id}", srv.DeleteAccountHandler())
			})

			usr.With(srv.RateLimit(ratelimiter.ClassWorkerRead)).Get("/v1/worker/tasks", srv.WorkerTasksHandler())
		})

		// Job-token surface for scraping workers.
		api.Group(func(wk chi.Router) {
			wk.Use(srv.RequireJobToken)
			wk.Post("/v1/results/submit", srv.SubmitResultsHandler())
			wk.Post("/v1/results/upload", srv.UploadResultsHandler())
			wk.Post("/v1/results/progress", srv.ProgressHandler())
			wk.Post("/v1/results/error", srv.ReportErrorHandler())
			wk.Get("/v1/results/{job_id}", srv.GetResultsHandler())
		})

		// Operator surface; the guard answers 404 until credentials are configured.
		api.Group(func(adm chi.Router) {
			adm.Use(srv.AdminGuard)
			adm.Post("/admin/users/{id}/credits", srv.RefillCreditsHandler())
			adm.Post("/admin/accounts/{id}/reset", srv.ResetAccountHandler())
			adm.Get("/admin/queue/stats", srv.QueueStatsHandler())
			adm.Get("/admin/queue/dead", srv.DeadLettersHandler())
			adm.Post("/admin/queue/dead/requeue", srv.RequeueDeadHandler())
		})
	})

	// Health and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	r.Get("/readyz", srv.ReadyzHandler())

	return httpserver.SecurityHeaders(r)
}
