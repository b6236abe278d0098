package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/models"
	"github.com/genbot/backend/internal/notify"
)

var (
	// ErrUnauthorized is returned when the actor is not listed in ADMIN_IDS.
	ErrUnauthorized = errors.New("actor is not an admin")
	// ErrInvalidDelta is returned for a zero adjustment.
	ErrInvalidDelta = errors.New("delta must be non-zero")
)

// Adjustment is the outcome of a manual balance change.
type Adjustment struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	UserID        int64     `json:"user_id"`
	Delta         int64     `json:"delta"`
	Balance       int64     `json:"balance"`
}

type Service struct {
	ledger   ledger.Store
	notifier notify.Notifier
	cfg      *config.Config
	logger   *slog.Logger
}

func NewService(ledgerStore ledger.Store, notifier notify.Notifier, cfg *config.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledgerStore, notifier: notifier, cfg: cfg, logger: logger}
}

// Adjust applies a signed manual delta with reason admin_credit. A negative
// delta that would overdraw the user fails with ledger.ErrInsufficientFunds.
func (s *Service) Adjust(ctx context.Context, actorID, userID, delta int64, note string) (*Adjustment, error) {
	if !s.cfg.IsAdmin(actorID) {
		s.logger.Warn("credit adjustment refused", "actor_id", actorID, "user_id", userID)
		return nil, ErrUnauthorized
	}
	if delta == 0 {
		return nil, ErrInvalidDelta
	}
	description := fmt.Sprintf("admin %d", actorID)
	if note = strings.TrimSpace(note); note != "" {
		description += ": " + note
	}

	txID, err := s.ledger.Adjust(ctx, userID, delta, models.ReasonAdminCredit, description)
	if err != nil {
		return nil, err
	}
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("credits adjusted", "actor_id", actorID, "user_id", userID, "delta", delta, "balance", balance, "transaction_id", txID)

	if err := s.notifier.Notify(ctx, userID, notify.CreditsAdjusted(delta, balance)); err != nil {
		s.logger.Warn("adjustment notification failed", "user_id", userID, "error", err)
	}
	return &Adjustment{TransactionID: txID, UserID: userID, Delta: delta, Balance: balance}, nil
}
