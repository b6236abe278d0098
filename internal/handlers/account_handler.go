package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/models"
)

// AccountHandler serves read-only balance and catalogue endpoints.
type AccountHandler struct {
	Ledger ledger.Store
	Config *config.Config
	Logger *slog.Logger
}

// --- GET /v1/users/{id}/balance ---

type balanceResponse struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username,omitempty"`
	Balance  int64  `json:"balance"`
}

func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := extractUserID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	user, err := h.Ledger.GetUser(r.Context(), userID)
	if errors.Is(err, ledger.ErrUserNotFound) {
		http.Error(w, `{"error":"user not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.Logger.Error("get user failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.Logger.Error("balance failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Username: user.Username, Balance: balance})
}

// --- GET /v1/users/{id}/transactions ---

func (h *AccountHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := extractUserID(r)
	if !ok {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	list, err := h.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		h.Logger.Error("history failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- GET /v1/capabilities ---

type capabilityInfo struct {
	Name    string `json:"name"`
	Price   int64  `json:"price"`
	Timeout string `json:"timeout"`
}

// ListCapabilities handles GET /v1/capabilities (public, no auth).
func (h *AccountHandler) ListCapabilities(w http.ResponseWriter, _ *http.Request) {
	g := h.Config.Generation
	caps := []capabilityInfo{
		{Name: "image", Price: h.Config.ImageCost, Timeout: g.ImageTimeout.String()},
		{Name: "video", Price: h.Config.VideoCost, Timeout: g.VideoTimeout.String()},
	}
	writeJSON(w, http.StatusOK, caps)
}

// --- GET /v1/packages ---

type packageInfo struct {
	Key      string `json:"key"`
	Credits  int64  `json:"credits"`
	PriceUSD string `json:"price_usd"`
}

// ListPackages handles GET /v1/packages (public, no auth).
func (h *AccountHandler) ListPackages(w http.ResponseWriter, _ *http.Request) {
	pkgs := h.Config.Payments.SortedPackages()
	out := make([]packageInfo, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, packageInfo{Key: p.Key, Credits: p.Credits, PriceUSD: p.Price.StringFixed(2)})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- helpers ---

func extractUserID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
