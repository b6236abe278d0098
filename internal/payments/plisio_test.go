package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/models"
)

func TestOrderNumber(t *testing.T) {
	at := time.Unix(1700000000, 0)
	got := BuildOrderNumber(42, "pro", at)
	if got != "user_42_pro_1700000000" {
		t.Fatalf("BuildOrderNumber = %q", got)
	}

	tests := []struct {
		in      string
		ok      bool
		userID  int64
		pkg     string
		created bool
	}{
		{"user_42_pro_1700000000", true, 42, "pro", true},
		{"user_42_pro", true, 42, "pro", false},
		{"user_42_1700000000", true, 42, "", true},
		{"user_42", true, 42, "", false},
		{"user_42_my_pack_1700000000", true, 42, "my_pack", true},
		{"user_42_PRO_1700000000", true, 42, "pro", true},
		{"user_x_pro_1", false, 0, "", false},
		{"user_0_pro_1", false, 0, "", false},
		{"order_42_pro_1", false, 0, "", false},
		{"", false, 0, "", false},
	}
	for _, tt := range tests {
		o, ok := ParseOrderNumber(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseOrderNumber(%q) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if !ok {
			continue
		}
		if o.UserID != tt.userID || o.Package != tt.pkg || o.Created.IsZero() == tt.created {
			t.Errorf("ParseOrderNumber(%q) = %+v", tt.in, o)
		}
	}
}

type fakePlisio struct {
	mu    sync.Mutex
	query map[string]string
	body  string
	code  int
}

func (f *fakePlisio) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.URL.Path != "/invoices/new" {
		http.NotFound(w, r)
		return
	}
	f.query = make(map[string]string)
	for k, v := range r.URL.Query() {
		f.query[k] = v[0]
	}
	code := f.code
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	_, _ = io.WriteString(w, f.body)
}

func (f *fakePlisio) param(k string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.query[k]
}

func newTestPlisio(t *testing.T, fake *fakePlisio, apiKey string) (*PlisioClient, *MemoryStore) {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	env := map[string]string{"PLISIO_API_KEY": apiKey, "PAYMENT_CALLBACK_URL": "https://bot.example.com/webhooks/plisio"}
	cfg, err := config.FromLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	events := NewMemoryStore()
	c := NewPlisioClient(cfg.Payments, events, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.baseURL = srv.URL
	c.now = func() time.Time { return time.Unix(1700000000, 0) }
	return c, events
}

func TestCreateInvoice(t *testing.T) {
	fake := &fakePlisio{body: `{"status":"success","data":{"txn_id":"tx_abc","invoice_url":"https://plisio.net/invoice/tx_abc"}}`}
	c, events := newTestPlisio(t, fake, "key-1")

	inv, err := c.CreateInvoice(context.Background(), 42, "Mini")
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if inv.PaymentID != "tx_abc" || inv.URL != "https://plisio.net/invoice/tx_abc" || inv.OrderNumber != "user_42_mini_1700000000" {
		t.Errorf("invoice = %+v", inv)
	}
	if fake.param("api_key") != "key-1" || fake.param("source_amount") != "4.99" || fake.param("order_number") != inv.OrderNumber {
		t.Errorf("query api_key=%q source_amount=%q order_number=%q", fake.param("api_key"), fake.param("source_amount"), fake.param("order_number"))
	}
	if fake.param("callback_url") != "https://bot.example.com/webhooks/plisio" {
		t.Errorf("callback_url = %q", fake.param("callback_url"))
	}

	ev, err := events.Get(context.Background(), "tx_abc")
	if err != nil {
		t.Fatalf("pending event not recorded: %v", err)
	}
	if ev.Status != models.PaymentStatusPending || ev.UserID != 42 || ev.Credits != 60 || ev.Package != "mini" {
		t.Errorf("event = %+v", ev)
	}
}

func TestCreateInvoice_Errors(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		c, _ := newTestPlisio(t, &fakePlisio{}, "")
		if _, err := c.CreateInvoice(context.Background(), 1, "pro"); !errors.Is(err, ErrGatewayDisabled) {
			t.Errorf("err = %v, want ErrGatewayDisabled", err)
		}
	})
	t.Run("unknown package", func(t *testing.T) {
		c, _ := newTestPlisio(t, &fakePlisio{}, "k")
		if _, err := c.CreateInvoice(context.Background(), 1, "mega"); !errors.Is(err, ErrUnknownPackage) {
			t.Errorf("err = %v, want ErrUnknownPackage", err)
		}
	})
	t.Run("gateway error", func(t *testing.T) {
		fake := &fakePlisio{body: `{"status":"error","data":{"message":"Invalid api key"}}`}
		c, events := newTestPlisio(t, fake, "k")
		_, err := c.CreateInvoice(context.Background(), 1, "pro")
		if !errors.Is(err, ErrGateway) {
			t.Fatalf("err = %v, want ErrGateway", err)
		}
		if list, _ := events.ListByUser(context.Background(), 1, 10); len(list) != 0 {
			t.Errorf("events recorded on failure: %d", len(list))
		}
	})
	t.Run("http 500", func(t *testing.T) {
		c, _ := newTestPlisio(t, &fakePlisio{code: http.StatusInternalServerError, body: `oops`}, "k")
		if _, err := c.CreateInvoice(context.Background(), 1, "pro"); !errors.Is(err, ErrGateway) {
			t.Errorf("err = %v, want ErrGateway", err)
		}
	})
	t.Run("missing url", func(t *testing.T) {
		c, _ := newTestPlisio(t, &fakePlisio{body: `{"status":"success","data":{"txn_id":"x"}}`}, "k")
		if _, err := c.CreateInvoice(context.Background(), 1, "pro"); !errors.Is(err, ErrGateway) {
			t.Errorf("err = %v, want ErrGateway", err)
		}
	})
}
