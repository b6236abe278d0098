package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/models"
)

type stubJobs struct {
	jobs []*models.Job
	err  error
}

func (s *stubJobs) ListByUser(context.Context, int64, int) ([]*models.Job, error) {
	return s.jobs, s.err
}

type stubPayments struct{}

func (stubPayments) ListByUser(context.Context, int64, int) ([]*models.PaymentEvent, error) {
	return nil, nil
}

func serve(h *Handler, path string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/admin/users/{id}", h.GetUserOverview)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetUserOverview(t *testing.T) {
	ctx := context.Background()
	store := ledger.NewMemoryStore()
	if _, _, err := store.EnsureUser(ctx, 7, "ada", "Ada", 25); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Reserve(ctx, 7, 20, models.ReasonVideoDebit, uuid.NewString()); err != nil {
		t.Fatal(err)
	}
	jobs := &stubJobs{jobs: []*models.Job{{ID: uuid.New(), UserID: 7, Kind: models.JobKindVideo}}}
	h := NewHandler(store, jobs, stubPayments{}, nil)

	rec := serve(h, "/v1/admin/users/7")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var out UserOverview
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.User == nil || out.User.ID != 7 || out.Balance != 5 || out.SpentToday != 20 {
		t.Errorf("overview = %+v", out)
	}
	if len(out.Transactions) != 2 || len(out.Jobs) != 1 || out.Payments == nil {
		t.Errorf("transactions = %d, jobs = %d, payments = %v", len(out.Transactions), len(out.Jobs), out.Payments)
	}
}

func TestGetUserOverview_Errors(t *testing.T) {
	store := ledger.NewMemoryStore()
	if _, _, err := store.EnsureUser(context.Background(), 8, "", "", 0); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(store, &stubJobs{err: errors.New("db down")}, stubPayments{}, nil)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"bad id", "/v1/admin/users/abc", http.StatusBadRequest},
		{"zero id", "/v1/admin/users/0", http.StatusBadRequest},
		{"unknown user", "/v1/admin/users/99", http.StatusNotFound},
		{"store failure", "/v1/admin/users/8", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := serve(h, tt.path); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
