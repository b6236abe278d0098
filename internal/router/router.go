package router

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/genbot/backend/internal/admin"
	"github.com/genbot/backend/internal/auth"
	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/dashboard"
	"github.com/genbot/backend/internal/handlers"
	"github.com/genbot/backend/internal/jobs"
	"github.com/genbot/backend/internal/middleware"
	"github.com/genbot/backend/internal/payments"
)

// Deps carries the handlers and services the route table is built from.
type Deps struct {
	Config   *config.Config
	Jobs     *jobs.Handler
	Accounts *handlers.AccountHandler
	Payments *payments.Handler
	Admin    *admin.Handler
	Users    *dashboard.Handler
	Auth     *auth.Handler
	AuthSvc  *auth.Service
	// Health reports whether backing stores are reachable. Nil means always healthy.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

// New returns the HTTP route table.
// Service routes: APIKeyAuth -> (JobCheck on POST /v1/jobs only) -> handler.
// Admission limits (capacity, daily spend, credits) are applied by the job
// service so the bot gets them too.
// Admin routes: RequireAdmin -> handler. Webhooks authenticate by signature.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	svc := serviceAuth(d.Config.APIKeyHashes, d.Logger)
	admins := auth.RequireAdmin(d.AuthSvc)
	jobCheck := middleware.JobCheck(d.Config)

	// Public
	mux.HandleFunc("GET /healthz", healthz(d.Health))
	mux.HandleFunc("GET /v1/capabilities", d.Accounts.ListCapabilities)
	mux.HandleFunc("GET /v1/packages", d.Accounts.ListPackages)

	// Gateway callbacks
	mux.HandleFunc("POST /webhooks/payments", d.Payments.Webhook)
	mux.HandleFunc("POST /webhooks/plisio", d.Payments.Webhook)
	mux.HandleFunc("GET /webhooks/plisio", d.Payments.Webhook)

	// Service API
	mux.Handle("POST /v1/jobs", svc(jobCheck(http.HandlerFunc(d.Jobs.CreateJob))))
	mux.Handle("GET /v1/jobs/{id}", svc(http.HandlerFunc(d.Jobs.GetJob)))
	mux.Handle("GET /v1/users/{id}/jobs", svc(http.HandlerFunc(d.Jobs.ListUserJobs)))
	mux.Handle("GET /v1/users/{id}/balance", svc(http.HandlerFunc(d.Accounts.GetBalance)))
	mux.Handle("GET /v1/users/{id}/transactions", svc(http.HandlerFunc(d.Accounts.ListTransactions)))
	mux.Handle("GET /v1/users/{id}/payments", svc(http.HandlerFunc(d.Payments.ListUserPayments)))
	mux.Handle("GET /v1/payments/{id}", svc(http.HandlerFunc(d.Payments.GetPayment)))
	mux.Handle("POST /v1/auth/token", svc(http.HandlerFunc(d.Auth.IssueToken)))

	// Admin
	mux.Handle("POST /v1/admin/credits", admins(http.HandlerFunc(d.Admin.AdjustCredits)))
	mux.Handle("GET /v1/admin/users/{id}", admins(http.HandlerFunc(d.Users.GetUserOverview)))
	mux.Handle("GET /v1/admin/stats", admins(http.HandlerFunc(d.Jobs.GetStats)))

	return mux
}

// serviceAuth falls back to an open pass-through when no API keys are
// configured, which is only meant for local development.
func serviceAuth(hashes []string, logger *slog.Logger) func(http.Handler) http.Handler {
	if len(hashes) > 0 {
		return middleware.APIKeyAuth(hashes)
	}
	if logger != nil {
		logger.Warn("API_KEYS not set, service routes are unauthenticated")
	}
	return func(next http.Handler) http.Handler { return next }
}

func healthz(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			if err := check(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
