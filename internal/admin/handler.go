package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/genbot/backend/internal/auth"
	"github.com/genbot/backend/internal/ledger"
)

type AdjustRequest struct {
	UserID int64  `json:"user_id" validate:"required,gt=0"`
	Delta  int64  `json:"delta" validate:"required"`
	Note   string `json:"note" validate:"max=200"`
}

// Adjuster is the part of Service the HTTP handler uses.
type Adjuster interface {
	Adjust(ctx context.Context, actorID, userID, delta int64, note string) (*Adjustment, error)
}

var _ Adjuster = (*Service)(nil)

type Handler struct {
	svc      Adjuster
	validate *validator.Validate
	log      *slog.Logger
}

func NewHandler(svc Adjuster, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validate: validator.New(), log: log}
}

// AdjustCredits handles POST /v1/admin/credits. The actor comes from auth.RequireAdmin.
func (h *Handler) AdjustCredits(w http.ResponseWriter, r *http.Request) {
	actorID := auth.ActorFromCtx(r.Context())
	if actorID == 0 {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	adj, err := h.svc.Adjust(r.Context(), actorID, req.UserID, req.Delta, req.Note)
	switch {
	case errors.Is(err, ErrUnauthorized):
		http.Error(w, `{"error":"actor is not an admin"}`, http.StatusForbidden)
		return
	case errors.Is(err, ErrInvalidDelta), errors.Is(err, ledger.ErrInvalidAmount):
		http.Error(w, `{"error":"delta must be non-zero"}`, http.StatusBadRequest)
		return
	case errors.Is(err, ledger.ErrInsufficientFunds):
		http.Error(w, `{"error":"adjustment would make the balance negative"}`, http.StatusConflict)
		return
	case err != nil:
		h.log.Error("adjust credits failed", "actor_id", actorID, "user_id", req.UserID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, adj)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
