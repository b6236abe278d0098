package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/genbot/backend/internal/config"
)

func newTestService(t *testing.T, admins string) *Service {
	t.Helper()
	env := map[string]string{"ADMIN_IDS": admins, "JWT_SECRET": "test-secret-0123456"}
	cfg, err := config.FromLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return NewService(cfg)
}

// ---------------------------------------------------------------------------
// 1. Token round trip
// ---------------------------------------------------------------------------

func TestIssueAndValidate(t *testing.T) {
	svc := newTestService(t, "100,200")

	tok, err := svc.IssueToken(200, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	id, err := svc.ValidateToken(tok)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id != 200 {
		t.Errorf("actor = %d, want 200", id)
	}

	if _, err := svc.IssueToken(300, time.Hour); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("IssueToken for non-admin: err = %v, want ErrNotAdmin", err)
	}
}

// ---------------------------------------------------------------------------
// 2. Rejections
// ---------------------------------------------------------------------------

func TestValidateToken_Rejections(t *testing.T) {
	svc := newTestService(t, "100")
	good, _ := svc.IssueToken(100, time.Hour)
	dot := strings.LastIndex(good, ".") + 1
	flip := "A"
	if good[dot] == 'A' {
		flip = "B"
	}
	tampered := good[:dot] + flip + good[dot+1:]

	other := newTestService(t, "100")
	other.secret = []byte("another-secret")
	foreign, _ := other.IssueToken(100, time.Hour)

	expiredSvc := newTestService(t, "100")
	expiredSvc.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	expired, _ := expiredSvc.IssueToken(100, time.Hour)

	noneTok, _ := jwt.NewWithClaims(jwt.SigningMethodNone, claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "100"}, Role: roleAdmin,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	wrongRole, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "100", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             "user",
	}).SignedString(svc.secret)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", ErrInvalidToken},
		{"tampered", tampered, ErrInvalidToken},
		{"foreign secret", foreign, ErrInvalidToken},
		{"expired", expired, ErrInvalidToken},
		{"alg none", noneTok, ErrInvalidToken},
		{"wrong role", wrongRole, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.ValidateToken(tt.token); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateToken_RevokedAdmin(t *testing.T) {
	svc := newTestService(t, "100")
	tok, _ := svc.IssueToken(100, time.Hour)

	revoked := newTestService(t, "200")
	if _, err := revoked.ValidateToken(tok); !errors.Is(err, ErrNotAdmin) {
		t.Errorf("err = %v, want ErrNotAdmin", err)
	}
}

func TestService_EmptySecretRefuses(t *testing.T) {
	cfg, err := config.FromLookup(func(string) (string, bool) { return "", false })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.AdminIDs = []int64{100}
	svc := NewService(cfg)

	if _, err := svc.IssueToken(100, time.Hour); !errors.Is(err, ErrNoSecret) {
		t.Errorf("IssueToken: err = %v, want ErrNoSecret", err)
	}
	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "100", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             roleAdmin,
	}).SignedString([]byte("change-me-in-production"))
	if _, err := svc.ValidateToken(forged); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("ValidateToken: err = %v, want ErrInvalidToken", err)
	}
}

// ---------------------------------------------------------------------------
// 3. HTTP
// ---------------------------------------------------------------------------

func TestHandler_IssueToken(t *testing.T) {
	svc := newTestService(t, "100")
	h := NewHandler(svc, nil)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"admin", `{"actor_id":100}`, http.StatusOK},
		{"admin with ttl", `{"actor_id":100,"ttl_seconds":60}`, http.StatusOK},
		{"not admin", `{"actor_id":5}`, http.StatusForbidden},
		{"missing actor", `{}`, http.StatusBadRequest},
		{"negative ttl", `{"actor_id":100,"ttl_seconds":-1}`, http.StatusBadRequest},
		{"invalid json", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.IssueToken(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/token", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
			if tt.want != http.StatusOK {
				return
			}
			var resp TokenResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if id, err := svc.ValidateToken(resp.Token); err != nil || id != 100 {
				t.Errorf("issued token invalid: id=%d err=%v", id, err)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	svc := newTestService(t, "100")
	good, _ := svc.IssueToken(100, time.Hour)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ActorFromCtx(r.Context()) != 100 {
			t.Errorf("actor = %d, want 100", ActorFromCtx(r.Context()))
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mw := RequireAdmin(svc)(next)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + good, http.StatusNoContent},
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Token " + good, http.StatusUnauthorized},
		{"invalid", "Bearer nope", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
