package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/models"
)

const recentLimit = 20

type JobLister interface {
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.Job, error)
}

type PaymentLister interface {
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.PaymentEvent, error)
}

// Handler serves the admin view of a single user.
type Handler struct {
	ledger   ledger.Store
	jobs     JobLister
	payments PaymentLister
	log      *slog.Logger
	now      func() time.Time
}

func NewHandler(ledgerStore ledger.Store, jobs JobLister, payments PaymentLister, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		ledger:   ledgerStore,
		jobs:     jobs,
		payments: payments,
		log:      log,
		now:      time.Now,
	}
}

type UserOverview struct {
	User         *models.User           `json:"user"`
	Balance      int64                  `json:"balance"`
	SpentToday   int64                  `json:"spent_today"`
	Transactions []*models.Transaction  `json:"transactions"`
	Jobs         []*models.Job          `json:"jobs"`
	Payments     []*models.PaymentEvent `json:"payments"`
}

// GET /v1/admin/users/{id}
func (h *Handler) GetUserOverview(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	user, err := h.ledger.GetUser(ctx, userID)
	if errors.Is(err, ledger.ErrUserNotFound) {
		http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get user failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}

	out := UserOverview{User: user}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		out.Balance, err = h.ledger.Balance(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		out.SpentToday, err = ledger.SpentSince(gctx, h.ledger, userID, ledger.StartOfDay(h.now()))
		return err
	})
	g.Go(func() (err error) {
		out.Transactions, err = h.ledger.History(gctx, userID, recentLimit)
		return err
	})
	g.Go(func() (err error) {
		out.Jobs, err = h.jobs.ListByUser(gctx, userID, recentLimit)
		return err
	})
	g.Go(func() (err error) {
		out.Payments, err = h.payments.ListByUser(gctx, userID, recentLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		h.log.Error("user overview failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if out.Transactions == nil {
		out.Transactions = []*models.Transaction{}
	}
	if out.Jobs == nil {
		out.Jobs = []*models.Job{}
	}
	if out.Payments == nil {
		out.Payments = []*models.PaymentEvent{}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
