package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/genbot/backend/internal/config"
)

// JobRequest is the part of a job submission JobCheck inspects. It is stored
// in context so handlers can read it without re-parsing the body.
type JobRequest struct {
	UserID int64  `json:"user_id"`
	Kind   string `json:"kind"`
}

// JobRequestFromCtx returns the request parsed by JobCheck, or nil.
func JobRequestFromCtx(ctx context.Context) *JobRequest {
	jr, _ := ctx.Value(ctxJobKey).(*JobRequest)
	return jr
}

// JobCheck rejects submissions without a user or with an unknown job kind
// before any service work. Reads the body, then replaces r.Body so downstream
// handlers can re-read it.
func JobCheck(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(r.Body)
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
				return
			}
			// Restore body for the handler.
			r.Body = io.NopCloser(bytes.NewReader(bodyBytes))

			var peek JobRequest
			if err := json.Unmarshal(bodyBytes, &peek); err != nil {
				http.Error(w, `{"error":"invalid JSON body"}`, http.StatusBadRequest)
				return
			}
			if peek.UserID <= 0 {
				http.Error(w, `{"error":"user_id must be > 0"}`, http.StatusBadRequest)
				return
			}
			if cfg.JobCost(peek.Kind) == 0 {
				http.Error(w, fmt.Sprintf(`{"error":"job kind %q is not supported"}`, peek.Kind), http.StatusBadRequest)
				return
			}

			ctx := context.WithValue(r.Context(), ctxJobKey, &peek)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
