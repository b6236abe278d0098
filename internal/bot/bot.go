package bot

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	"github.com/genbot/backend/internal/admin"
	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/models"
	"github.com/genbot/backend/internal/payments"
)

// API is the part of *tgbotapi.BotAPI the bot uses.
type API interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

var _ API = (*tgbotapi.BotAPI)(nil)

// Jobs is the part of the job orchestrator the bot uses.
type Jobs interface {
	Request(ctx context.Context, userID int64, kind string, params json.RawMessage, sourceJobID *uuid.UUID) (*models.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// Invoices opens gateway checkouts.
type Invoices interface {
	Enabled() bool
	Packages() []config.Package
	CreateInvoice(ctx context.Context, userID int64, pkgKey string) (*payments.Invoice, error)
}

var _ Invoices = (*payments.PlisioClient)(nil)

// Bot maps Telegram commands and button callbacks onto the ledger, job,
// payment and admin services. It holds no state of its own.
type Bot struct {
	api      API
	ledger   ledger.Store
	jobs     Jobs
	invoices Invoices
	admin    admin.Adjuster
	cfg      *config.Config
	logger   *slog.Logger
	now      func() time.Time
	rand     func(n int) int
}

func New(api API, ledgerStore ledger.Store, jobs Jobs, invoices Invoices, adjuster admin.Adjuster, cfg *config.Config, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		api:      api,
		ledger:   ledgerStore,
		jobs:     jobs,
		invoices: invoices,
		admin:    adjuster,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		rand:     rand.IntN,
	}
}

// Run long-polls for updates until ctx is done. Each update is handled in its
// own goroutine; Run waits for in-flight handlers before returning.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("telegram bot started")

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				b.HandleUpdate(ctx, upd)
			}()
		}
	}
}

// HandleUpdate dispatches one update. Failures are reported to the chat and logged.
func (b *Bot) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("telegram update panicked", "update_id", upd.UpdateID, "panic", r)
		}
	}()
	switch {
	case upd.CallbackQuery != nil:
		b.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.IsCommand():
		b.handleCommand(ctx, upd.Message)
	}
}

func (b *Bot) reply(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Warn("telegram send failed", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) send(c tgbotapi.Chattable) {
	if _, err := b.api.Send(c); err != nil {
		b.logger.Warn("telegram send failed", "error", err)
	}
}

func (b *Bot) ensureUser(ctx context.Context, from *tgbotapi.User) (*models.User, bool, error) {
	return b.ledger.EnsureUser(ctx, from.ID, from.UserName, from.FirstName, b.cfg.SignupGrant)
}
