package main

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/rs/cors"

	"github.com/genbot/backend/internal/admin"
	"github.com/genbot/backend/internal/auth"
	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/dashboard"
	"github.com/genbot/backend/internal/handlers"
	"github.com/genbot/backend/internal/jobs"
	"github.com/genbot/backend/internal/notify"
	"github.com/genbot/backend/internal/payments"
	"github.com/genbot/backend/internal/router"
)

// newHTTPHandler builds the HTTP handlers on top of the shared services and
// wraps the route table in CORS.
func newHTTPHandler(
	cfg *config.Config,
	st *stores,
	jobsSvc *jobs.Service,
	notifier notify.Notifier,
	adminSvc *admin.Service,
	logger *slog.Logger,
) http.Handler {
	processor := payments.NewProcessor(st.events, st.ledger, notifier, cfg.Payments, logger)
	authSvc := auth.NewService(cfg)

	var health func(ctx context.Context) error
	if st.pool != nil {
		health = st.pool.Ping
	}

	mux := router.New(router.Deps{
		Config:   cfg,
		Jobs:     jobs.NewHandler(jobsSvc, logger),
		Accounts: &handlers.AccountHandler{Ledger: st.ledger, Config: cfg, Logger: logger},
		Payments: payments.NewHandler(processor, st.events, logger),
		Admin:    admin.NewHandler(adminSvc, logger),
		Users:    dashboard.NewHandler(st.ledger, st.jobs, st.events, logger),
		Auth:     auth.NewHandler(authSvc, logger),
		AuthSvc:  authSvc,
		Health:   health,
		Logger:   logger,
	})

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
	}).Handler(mux)
}
