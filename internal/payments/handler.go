package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/genbot/backend/internal/models"
)

const maxWebhookBody = 1 << 20

// Webhooks is the part of Processor the HTTP handler uses.
type Webhooks interface {
	Handle(ctx context.Context, raw []byte, signature string) (*Result, error)
}

var _ Webhooks = (*Processor)(nil)

type WebhookResponse struct {
	Status    string `json:"status"`
	PaymentID string `json:"payment_id,omitempty"`
	Credited  bool   `json:"credited"`
}

type Handler struct {
	webhooks Webhooks
	events   EventStore
	log      *slog.Logger
}

func NewHandler(webhooks Webhooks, events EventStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{webhooks: webhooks, events: events, log: log}
}

// Webhook handles POST /webhooks/payments and POST|GET /webhooks/plisio.
// The signed payload is the raw body, or the raw query string on GET.
// 2xx is written only after the event is recorded.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	var raw []byte
	if r.Method == http.MethodGet {
		raw = []byte(r.URL.RawQuery)
	} else {
		var err error
		raw, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			http.Error(w, `{"error":"body too large"}`, http.StatusRequestEntityTooLarge)
			return
		}
	}

	res, err := h.webhooks.Handle(r.Context(), raw, r.Header.Get(SignatureHeader))
	if err != nil {
		h.log.Error("payment webhook failed", "error", err, "remote", r.RemoteAddr)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	switch res.Outcome {
	case RejectedSignature:
		h.log.Warn("possible forged payment webhook", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, res.Reason)
	case RejectedMalformed:
		writeError(w, http.StatusBadRequest, res.Reason)
	default:
		writeJSON(w, http.StatusOK, WebhookResponse{Status: "ok", PaymentID: res.Event.PaymentID, Credited: res.Credited})
	}
}

// GetPayment handles GET /v1/payments/{id}.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	ev, err := h.events.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrEventNotFound) {
		http.Error(w, `{"error":"payment not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.log.Error("get payment failed", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// ListUserPayments handles GET /v1/users/{id}/payments.
func (h *Handler) ListUserPayments(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, `{"error":"invalid user id"}`, http.StatusBadRequest)
		return
	}
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	list, err := h.events.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("list payments failed", "user_id", userID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.PaymentEvent{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
