package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/genbot/backend/internal/config"
)

type contextKey string

const (
	ctxServiceKey contextKey = "service_key"
	ctxJobKey     contextKey = "job_request"
)

// APIKeyAuth authenticates service callers by hashing the Bearer token (or
// X-API-Key header) with SHA-256 and comparing it against the configured key
// hashes in constant time. On success the matched hash prefix is set in context.
func APIKeyAuth(keyHashes []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				raw = strings.TrimSpace(r.Header.Get("X-API-Key"))
			}
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}

			hash := config.HashKey(raw)
			if !matchHash(keyHashes, hash) {
				http.Error(w, `{"error":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxServiceKey, hash[:12])
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ServiceKeyFromCtx returns the short id of the authenticated service key, or "".
func ServiceKeyFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxServiceKey).(string)
	return id
}

// matchHash checks every configured hash so timing does not reveal which one matched.
func matchHash(hashes []string, hash string) bool {
	found := 0
	for _, h := range hashes {
		found |= subtle.ConstantTimeCompare([]byte(h), []byte(hash))
	}
	return found == 1
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
