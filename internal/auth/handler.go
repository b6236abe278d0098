package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type contextKey string

const ctxActorKey contextKey = "actor"

type TokenRequest struct {
	ActorID int64 `json:"actor_id"`
	// TTLSeconds defaults to 24h when zero.
	TTLSeconds int64 `json:"ttl_seconds"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type Handler struct {
	svc *Service
	log *slog.Logger
}

func NewHandler(svc *Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

// IssueToken handles POST /v1/auth/token. It sits behind service-key auth.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.ActorID <= 0 || req.TTLSeconds < 0 {
		http.Error(w, `{"error":"actor_id must be > 0"}`, http.StatusBadRequest)
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	token, err := h.svc.IssueToken(req.ActorID, ttl)
	if errors.Is(err, ErrNotAdmin) {
		http.Error(w, `{"error":"actor is not an admin"}`, http.StatusForbidden)
		return
	}
	if err != nil {
		h.log.Error("issue token failed", "actor_id", req.ActorID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(TokenResponse{Token: token, ExpiresAt: h.svc.now().Add(ttl).UTC()})
}

// RequireAdmin rejects requests without a valid admin bearer token and puts
// the actor id into the request context.
func RequireAdmin(svc *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if len(h) <= 7 || !strings.EqualFold(h[:7], "bearer ") {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			actorID, err := svc.ValidateToken(strings.TrimSpace(h[7:]))
			if errors.Is(err, ErrNotAdmin) {
				http.Error(w, `{"error":"actor is not an admin"}`, http.StatusForbidden)
				return
			}
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actorID)))
		})
	}
}

// ActorFromCtx returns the authenticated admin id, or 0.
func ActorFromCtx(ctx context.Context) int64 {
	id, _ := ctx.Value(ctxActorKey).(int64)
	return id
}

// WithActor returns a context carrying the given admin id.
func WithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, ctxActorKey, actorID)
}
