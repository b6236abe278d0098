package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"golang.org/x/sync/errgroup"

	"github.com/genbot/backend/internal/admin"
	"github.com/genbot/backend/internal/bot"
	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/database"
	"github.com/genbot/backend/internal/execution"
	"github.com/genbot/backend/internal/generation"
	"github.com/genbot/backend/internal/jobs"
	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/notify"
	"github.com/genbot/backend/internal/payments"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}

type stores struct {
	ledger ledger.Store
	jobs   jobs.Store
	events payments.EventStore
	pool   *pgxpool.Pool
}

func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory stores; state is lost on restart")
		return &stores{
			ledger: ledger.NewMemoryStore(),
			jobs:   jobs.NewMemoryStore(),
			events: payments.NewMemoryStore(),
		}, nil
	}
	pool, err := database.Open(ctx, cfg.DatabaseURL, int32(cfg.WorkerConcurrency)+10)
	if err != nil {
		return nil, err
	}
	slog.Info("Connected to PostgreSQL database successfully!")
	if err := database.Migrate(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return &stores{
		ledger: ledger.NewRepository(pool),
		jobs:   jobs.NewRepository(pool),
		events: payments.NewRepository(pool),
		pool:   pool,
	}, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	// Telegram: one BotAPI serves both the update loop and notifications.
	var (
		botAPI   *tgbotapi.BotAPI
		notifier notify.Notifier = notify.NewLog(logger)
	)
	if cfg.TelegramToken != "" {
		botAPI, err = tgbotapi.NewBotAPI(cfg.TelegramToken)
		if err != nil {
			return err
		}
		slog.Info("Authorized on Telegram", "bot", botAPI.Self.UserName)
		notifier = notify.NewTelegram(botAPI, cfg.AdminIDs, logger)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, bot disabled and notifications are logged only")
	}

	workflows, err := generation.LoadWorkflows(cfg.Generation.WorkflowDir)
	if err != nil {
		return err
	}
	validator, err := generation.NewValidator()
	if err != nil {
		return err
	}
	client := generation.NewComfyClient(cfg.Generation, workflows, logger)

	// Jobs: enqueue is set after the River client is created (breaks init cycle)
	var enqueueMu sync.Mutex
	var enqueueFn jobs.EnqueueFunc
	enqueue := func(ctx context.Context, id uuid.UUID) error {
		enqueueMu.Lock()
		fn := enqueueFn
		enqueueMu.Unlock()
		if fn == nil {
			return errors.New("job queue not wired")
		}
		return fn(ctx, id)
	}
	jobsSvc := jobs.NewService(st.jobs, st.ledger, client, validator, notifier, cfg, enqueue, logger)

	g, gctx := errgroup.WithContext(ctx)

	if st.pool != nil {
		workers := river.NewWorkers()
		river.AddWorker(workers, execution.NewGenerateWorker(jobsSvc, cfg.Generation.VideoTimeout))
		riverClient, err := river.NewClient(riverpgxv5.New(st.pool), &river.Config{
			Queues: map[string]river.QueueConfig{
				river.QueueDefault: {MaxWorkers: cfg.WorkerConcurrency},
			},
			Workers: workers,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		enqueueMu.Lock()
		enqueueFn = func(ctx context.Context, id uuid.UUID) error {
			_, err := riverClient.Insert(ctx, execution.GenerateJobArgs{JobID: id}, nil)
			return err
		}
		enqueueMu.Unlock()

		if err := riverClient.Start(gctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return riverClient.Stop(stopCtx)
		})
	} else {
		enqueueMu.Lock()
		enqueueFn = inProcessEnqueue(gctx, g, jobsSvc, logger)
		enqueueMu.Unlock()
	}

	// Jobs left non-terminal by a previous process are re-enqueued once.
	if n, err := jobsSvc.Recover(ctx); err != nil {
		logger.Error("Job recovery failed", "error", err)
	} else if n > 0 {
		logger.Info("Recovered open jobs", "count", n)
	}

	invoices := payments.NewPlisioClient(cfg.Payments, st.events, logger)
	adminSvc := admin.NewService(st.ledger, notifier, cfg, logger)

	handler := newHTTPHandler(cfg, st, jobsSvc, notifier, adminSvc, logger)
	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		slog.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if botAPI != nil {
		b := bot.New(botAPI, st.ledger, jobsSvc, invoices, adminSvc, cfg, logger)
		g.Go(func() error { return b.Run(gctx) })
	}

	return g.Wait()
}

// inProcessEnqueue runs jobs on goroutines owned by g. Used only without a
// database, where there is no durable queue.
func inProcessEnqueue(ctx context.Context, g *errgroup.Group, runner execution.JobRunner, logger *slog.Logger) jobs.EnqueueFunc {
	return func(_ context.Context, id uuid.UUID) error {
		g.Go(func() error {
			if _, err := runner.Execute(ctx, id); err != nil {
				logger.Error("execute job failed", "job_id", id, "error", err)
			}
			return nil
		})
		return nil
	}
}
