package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/genbot/backend/internal/config"
)

func testConfig(t *testing.T, env map[string]string) *config.Config {
	t.Helper()
	cfg, err := config.FromLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

// echoJob writes the parsed kind and the re-read body; it proves the
// middleware let the request through with the body intact.
var echoJob = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	jr := JobRequestFromCtx(r.Context())
	body, _ := io.ReadAll(r.Body)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(jr.Kind + "|" + string(body)))
})

// ---------------------------------------------------------------------------
// 1. Valid request passes with body restored
// ---------------------------------------------------------------------------

func TestJobCheck_Passes(t *testing.T) {
	cfg := testConfig(t, nil)
	handler := JobCheck(cfg)(echoJob)

	body := `{"user_id":5,"kind":"image","parameters":{"prompt":"a cat"}}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "image|"+body {
		t.Errorf("handler saw %q", got)
	}
}

// ---------------------------------------------------------------------------
// 2. Malformed requests -> 400
// ---------------------------------------------------------------------------

func TestJobCheck_BadRequests(t *testing.T) {
	cfg := testConfig(t, nil)
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"user_id":`},
		{"missing user", `{"kind":"image"}`},
		{"negative user", `{"user_id":-1,"kind":"image"}`},
		{"unknown kind", `{"user_id":1,"kind":"audio"}`},
		{"missing kind", `{"user_id":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := JobCheck(cfg)(echoJob)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}
