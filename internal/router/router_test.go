package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/genbot/backend/internal/admin"
	"github.com/genbot/backend/internal/auth"
	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/dashboard"
	"github.com/genbot/backend/internal/generation"
	"github.com/genbot/backend/internal/handlers"
	"github.com/genbot/backend/internal/jobs"
	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/notify"
	"github.com/genbot/backend/internal/payments"
)

const (
	testKey    = "svc-key-1"
	testSecret = "whsec_router"
)

type testServer struct {
	handler http.Handler
	ledger  *ledger.MemoryStore
	authSvc *auth.Service
}

func newTestServer(t *testing.T, env map[string]string, health func(context.Context) error) *testServer {
	t.Helper()
	cfg, err := config.FromLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := ledger.NewMemoryStore()
	notifier := notify.NewLog(logger)

	wf, err := generation.LoadWorkflows("")
	if err != nil {
		t.Fatalf("workflows: %v", err)
	}
	v, err := generation.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	client := generation.NewComfyClient(cfg.Generation, wf, logger)
	enqueue := func(context.Context, uuid.UUID) error { return nil }
	jobStore := jobs.NewMemoryStore()
	jobsSvc := jobs.NewService(jobStore, store, client, v, notifier, cfg, enqueue, logger)

	events := payments.NewMemoryStore()
	authSvc := auth.NewService(cfg)
	h := New(Deps{
		Config:   cfg,
		Jobs:     jobs.NewHandler(jobsSvc, logger),
		Accounts: &handlers.AccountHandler{Ledger: store, Config: cfg, Logger: logger},
		Payments: payments.NewHandler(payments.NewProcessor(events, store, notifier, cfg.Payments, logger), events, logger),
		Admin:    admin.NewHandler(admin.NewService(store, notifier, cfg, logger), logger),
		Users:    dashboard.NewHandler(store, jobStore, events, logger),
		Auth:     auth.NewHandler(authSvc, logger),
		AuthSvc:  authSvc,
		Health:   health,
		Logger:   logger,
	})
	return &testServer{handler: h, ledger: store, authSvc: authSvc}
}

func (s *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

var defaultEnv = map[string]string{
	"API_KEYS":               testKey,
	"ADMIN_IDS":              "1",
	"JWT_SECRET":             "test-secret-0123456",
	"PAYMENT_WEBHOOK_SECRET": testSecret,
}

// ---------------------------------------------------------------------------
// 1. Route table and auth
// ---------------------------------------------------------------------------

func TestRoutes(t *testing.T) {
	s := newTestServer(t, defaultEnv, nil)
	if _, _, err := s.ledger.EnsureUser(context.Background(), 5, "bob", "Bob", 25); err != nil {
		t.Fatal(err)
	}
	token, err := s.authSvc.IssueToken(1, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	key := map[string]string{"Authorization": "Bearer " + testKey}
	adminHdr := map[string]string{"Authorization": "Bearer " + token}

	tests := []struct {
		name    string
		method  string
		path    string
		body    string
		headers map[string]string
		want    int
	}{
		{"healthz", http.MethodGet, "/healthz", "", nil, http.StatusOK},
		{"capabilities public", http.MethodGet, "/v1/capabilities", "", nil, http.StatusOK},
		{"packages public", http.MethodGet, "/v1/packages", "", nil, http.StatusOK},
		{"balance needs key", http.MethodGet, "/v1/users/5/balance", "", nil, http.StatusUnauthorized},
		{"balance", http.MethodGet, "/v1/users/5/balance", "", key, http.StatusOK},
		{"transactions", http.MethodGet, "/v1/users/5/transactions", "", key, http.StatusOK},
		{"user jobs", http.MethodGet, "/v1/users/5/jobs", "", key, http.StatusOK},
		{"user payments", http.MethodGet, "/v1/users/5/payments", "", key, http.StatusOK},
		{"payment missing", http.MethodGet, "/v1/payments/none", "", key, http.StatusNotFound},
		{"job missing", http.MethodGet, "/v1/jobs/" + uuid.NewString(), "", key, http.StatusNotFound},
		{"create job needs key", http.MethodPost, "/v1/jobs", `{"user_id":5,"kind":"image","parameters":{"prompt":"cat"}}`, nil, http.StatusUnauthorized},
		{"create job", http.MethodPost, "/v1/jobs", `{"user_id":5,"kind":"image","parameters":{"prompt":"cat"}}`, key, http.StatusAccepted},
		{"create job unknown kind", http.MethodPost, "/v1/jobs", `{"user_id":5,"kind":"audio","parameters":{}}`, key, http.StatusBadRequest},
		{"token", http.MethodPost, "/v1/auth/token", `{"actor_id":1}`, key, http.StatusOK},
		{"token needs key", http.MethodPost, "/v1/auth/token", `{"actor_id":1}`, nil, http.StatusUnauthorized},
		{"admin needs token", http.MethodPost, "/v1/admin/credits", `{"user_id":5,"delta":10}`, key, http.StatusUnauthorized},
		{"admin credit", http.MethodPost, "/v1/admin/credits", `{"user_id":5,"delta":10}`, adminHdr, http.StatusOK},
		{"admin overview needs token", http.MethodGet, "/v1/admin/users/5", "", key, http.StatusUnauthorized},
		{"admin overview", http.MethodGet, "/v1/admin/users/5", "", adminHdr, http.StatusOK},
		{"admin stats needs token", http.MethodGet, "/v1/admin/stats", "", key, http.StatusUnauthorized},
		{"admin stats", http.MethodGet, "/v1/admin/stats?days=3", "", adminHdr, http.StatusOK},
		{"webhook bad signature", http.MethodPost, "/webhooks/payments", `{"txn_id":"x","user_id":5,"status":"completed"}`, map[string]string{"X-Signature": "00"}, http.StatusUnauthorized},
		{"wrong method", http.MethodDelete, "/v1/jobs", "", key, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.method, tt.path, tt.body, tt.headers)
			if rec.Code != tt.want {
				t.Errorf("%s %s: status = %d, want %d: %s", tt.method, tt.path, rec.Code, tt.want, rec.Body)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// 2. End to end: webhook credit visible through the balance endpoint
// ---------------------------------------------------------------------------

func TestWebhookCreditsBalance(t *testing.T) {
	s := newTestServer(t, defaultEnv, nil)
	body := `{"txn_id":"pay_r1","order_number":"user_8_mini_1700000000","status":"completed"}`
	sig := map[string]string{payments.SignatureHeader: payments.Sign(testSecret, []byte(body))}

	for i := 0; i < 2; i++ {
		if rec := s.do(http.MethodPost, "/webhooks/plisio", body, sig); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d: %s", i, rec.Code, rec.Body)
		}
	}

	rec := s.do(http.MethodGet, "/v1/users/8/balance", "", map[string]string{"X-API-Key": testKey})
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: status = %d: %s", rec.Code, rec.Body)
	}
	var resp struct {
		Balance int64 `json:"balance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Balance != 60 {
		t.Errorf("balance = %d, want 60", resp.Balance)
	}
}

// ---------------------------------------------------------------------------
// 3. Dev mode and health
// ---------------------------------------------------------------------------

func TestNoAPIKeysLeavesServiceRoutesOpen(t *testing.T) {
	s := newTestServer(t, map[string]string{}, nil)
	if rec := s.do(http.MethodGet, "/v1/users/5/transactions", "", nil); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestHealthzUnavailable(t *testing.T) {
	s := newTestServer(t, defaultEnv, func(context.Context) error { return errors.New("db down") })
	if rec := s.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}
