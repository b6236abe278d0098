package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/models"
	"github.com/genbot/backend/internal/notify"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type mockNotifier struct {
	mu     sync.Mutex
	sent   map[int64][]notify.Message
	admins []notify.Message
}

func (m *mockNotifier) Notify(_ context.Context, userID int64, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = make(map[int64][]notify.Message)
	}
	m.sent[userID] = append(m.sent[userID], msg)
	return nil
}

func (m *mockNotifier) NotifyAdmins(_ context.Context, msg notify.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admins = append(m.admins, msg)
	return nil
}

func (m *mockNotifier) counts(userID int64) (user, admins int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent[userID]), len(m.admins)
}

type failingEvents struct{ MemoryStore }

func (f *failingEvents) Record(context.Context, *models.PaymentEvent) (*models.PaymentEvent, bool, error) {
	return nil, false, errors.New("db down")
}

const testSecret = "whsec_test"

type testEnv struct {
	proc     *Processor
	ledger   *ledger.MemoryStore
	events   *MemoryStore
	notifier *mockNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := map[string]string{"PAYMENT_WEBHOOK_SECRET": testSecret}
	cfg, err := config.FromLookup(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	e := &testEnv{
		ledger:   ledger.NewMemoryStore(),
		events:   NewMemoryStore(),
		notifier: &mockNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e.proc = NewProcessor(e.events, e.ledger, e.notifier, cfg.Payments, logger)
	return e
}

func (e *testEnv) deliver(t *testing.T, body string) *Result {
	t.Helper()
	res, err := e.proc.Handle(context.Background(), []byte(body), Sign(testSecret, []byte(body)))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return res
}

func (e *testEnv) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), userID)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return b
}

// ---------------------------------------------------------------------------
// 1. Completed payments credit exactly once
// ---------------------------------------------------------------------------

func TestHandle_CompletedCreditsOnce(t *testing.T) {
	e := newTestEnv(t)
	body := `{"txn_id":"pay_1","user_id":42,"status":"completed","amount":"0.00021","currency":"BTC"}`

	res := e.deliver(t, body)
	if res.Outcome != Accepted || !res.Credited {
		t.Fatalf("first delivery = %+v, want accepted and credited", res)
	}
	if got := e.balance(t, 42); got != 100 {
		t.Fatalf("balance after credit = %d, want 100", got)
	}

	for i := 0; i < 3; i++ {
		res = e.deliver(t, body)
		if res.Outcome != Accepted || res.Credited {
			t.Fatalf("replay %d = %+v, want accepted without credit", i, res)
		}
	}
	if got := e.balance(t, 42); got != 100 {
		t.Errorf("balance after replays = %d, want 100", got)
	}

	hist, _ := e.ledger.History(context.Background(), 42, 10)
	if len(hist) != 1 || hist[0].Reason != models.ReasonPaymentCredit || hist[0].ExternalRef != "pay_1" {
		t.Errorf("history = %+v, want one payment_credit for pay_1", hist)
	}
	ev, err := e.events.Get(context.Background(), "pay_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ev.ReceivedCount != 4 || ev.TransactionID == nil || *ev.TransactionID != hist[0].ID {
		t.Errorf("event = %+v, want 4 deliveries linked to %s", ev, hist[0].ID)
	}
	if user, admins := e.notifier.counts(42); user != 1 || admins != 1 {
		t.Errorf("notifications user=%d admins=%d, want 1 and 1", user, admins)
	}
}

func TestHandle_ConcurrentReplays(t *testing.T) {
	e := newTestEnv(t)
	body := `{"txn_id":"pay_c","order_number":"user_7_mini_1700000000","status":"completed"}`

	var wg sync.WaitGroup
	var mu sync.Mutex
	credited := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.proc.Handle(context.Background(), []byte(body), Sign(testSecret, []byte(body)))
			if err != nil {
				t.Errorf("Handle: %v", err)
				return
			}
			if res.Credited {
				mu.Lock()
				credited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if credited != 1 {
		t.Errorf("credited deliveries = %d, want 1", credited)
	}
	if got := e.balance(t, 7); got != 60 {
		t.Errorf("balance = %d, want 60 (mini package)", got)
	}
}

// ---------------------------------------------------------------------------
// 2. Rejections leave no state
// ---------------------------------------------------------------------------

func TestHandle_TamperedSignature(t *testing.T) {
	e := newTestEnv(t)
	body := `{"txn_id":"pay_2","user_id":42,"status":"completed"}`
	sig := Sign(testSecret, []byte(body))
	tampered := strings.Replace(body, "42", "43", 1)

	res, err := e.proc.Handle(context.Background(), []byte(tampered), sig)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Outcome != RejectedSignature {
		t.Fatalf("outcome = %s, want rejected_signature", res.Outcome)
	}
	for _, uid := range []int64{42, 43} {
		if got := e.balance(t, uid); got != 0 {
			t.Errorf("balance(%d) = %d, want 0", uid, got)
		}
		if hist, _ := e.ledger.History(context.Background(), uid, 10); len(hist) != 0 {
			t.Errorf("history(%d) has %d transactions, want 0", uid, len(hist))
		}
	}
	if _, err := e.events.Get(context.Background(), "pay_2"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("event recorded for rejected delivery: %v", err)
	}
}

func TestHandle_Rejections(t *testing.T) {
	tests := []struct {
		name string
		body string
		sig  func(body string) string
		want Outcome
	}{
		{"missing signature", `{"txn_id":"a","user_id":1,"status":"completed"}`, func(string) string { return "" }, RejectedSignature},
		{"wrong secret", `{"txn_id":"a","user_id":1,"status":"completed"}`, func(b string) string { return Sign("other", []byte(b)) }, RejectedSignature},
		{"not hex", `{"txn_id":"a","user_id":1,"status":"completed"}`, func(string) string { return "zz" }, RejectedSignature},
		{"invalid json", `{"txn_id":`, nil, RejectedMalformed},
		{"empty body", ``, nil, RejectedMalformed},
		{"no payment id", `{"user_id":1,"status":"completed"}`, nil, RejectedMalformed},
		{"no status", `{"txn_id":"a","user_id":1}`, nil, RejectedMalformed},
		{"no user", `{"txn_id":"a","status":"completed"}`, nil, RejectedMalformed},
		{"bad order number", `{"order_number":"order_9","status":"completed"}`, nil, RejectedMalformed},
		{"bad amount", `{"txn_id":"a","user_id":1,"status":"completed","amount":"lots"}`, nil, RejectedMalformed},
		{"negative user", `{"txn_id":"a","user_id":-5,"status":"completed"}`, nil, RejectedMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			sig := Sign(testSecret, []byte(tt.body))
			if tt.sig != nil {
				sig = tt.sig(tt.body)
			}
			res, err := e.proc.Handle(context.Background(), []byte(tt.body), sig)
			if err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if res.Outcome != tt.want {
				t.Errorf("outcome = %s, want %s (%s)", res.Outcome, tt.want, res.Reason)
			}
			if got := e.balance(t, 1); got != 0 {
				t.Errorf("balance = %d, want 0", got)
			}
		})
	}
}

func TestHandle_EmptySecretRejectsAll(t *testing.T) {
	e := newTestEnv(t)
	e.proc.cfg.WebhookSecret = ""
	body := `{"txn_id":"a","user_id":1,"status":"completed"}`
	res, err := e.proc.Handle(context.Background(), []byte(body), Sign("", []byte(body)))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Outcome != RejectedSignature {
		t.Errorf("outcome = %s, want rejected_signature", res.Outcome)
	}
}

// ---------------------------------------------------------------------------
// 3. Non-completed statuses
// ---------------------------------------------------------------------------

func TestHandle_PendingThenCompleted(t *testing.T) {
	e := newTestEnv(t)
	pending := `{"txn_id":"pay_3","order_number":"user_9_pro_1700000000","status":"pending","source_amount":"9.99"}`
	completed := `{"txn_id":"pay_3","order_number":"user_9_pro_1700000000","status":"completed","source_amount":"9.99"}`

	res := e.deliver(t, pending)
	if res.Outcome != Accepted || res.Credited || res.Event.Status != models.PaymentStatusPending {
		t.Fatalf("pending = %+v", res)
	}
	if got := e.balance(t, 9); got != 0 {
		t.Fatalf("balance after pending = %d, want 0", got)
	}

	res = e.deliver(t, completed)
	if !res.Credited || res.Event.Credits != 130 || res.Event.Package != "pro" {
		t.Fatalf("completed = %+v, want pro package credited", res.Event)
	}

	// A late pending delivery must not move a completed payment back.
	res = e.deliver(t, pending)
	if res.Event.Status != models.PaymentStatusCompleted || res.Credited {
		t.Errorf("late pending = %+v, want still completed, no credit", res.Event)
	}
	if got := e.balance(t, 9); got != 130 {
		t.Errorf("balance = %d, want 130", got)
	}
}

func TestHandle_FailedStatusNotifiesOnce(t *testing.T) {
	for _, status := range []string{"error", "cancelled", "expired", "cancelled duplicate"} {
		t.Run(status, func(t *testing.T) {
			e := newTestEnv(t)
			body := `{"txn_id":"pay_4","user_id":11,"status":"` + status + `"}`

			res := e.deliver(t, body)
			if res.Outcome != Accepted || res.Credited || res.Event.Status != models.PaymentStatusFailed {
				t.Fatalf("result = %+v", res.Event)
			}
			e.deliver(t, body)
			if user, admins := e.notifier.counts(11); user != 1 || admins != 0 {
				t.Errorf("notifications user=%d admins=%d, want 1 and 0", user, admins)
			}
			if got := e.balance(t, 11); got != 0 {
				t.Errorf("balance = %d, want 0", got)
			}
		})
	}
}

func TestHandle_UnknownStatusAcknowledged(t *testing.T) {
	e := newTestEnv(t)
	res := e.deliver(t, `{"txn_id":"pay_5","user_id":12,"status":"mismatch"}`)
	if res.Outcome != Accepted || res.Credited {
		t.Fatalf("result = %+v", res)
	}
	if res.Event.GatewayStatus != "mismatch" || res.Event.Status != models.PaymentStatusPending {
		t.Errorf("event = %+v", res.Event)
	}
}

// ---------------------------------------------------------------------------
// 4. Payload formats and failures
// ---------------------------------------------------------------------------

func TestHandle_FormEncodedBody(t *testing.T) {
	e := newTestEnv(t)
	body := "txn_id=pay_6&order_number=user_13_ultra_1700000000&status=completed&amount=0.5&currency=ETH&source_amount=29.99"

	res := e.deliver(t, body)
	if !res.Credited {
		t.Fatalf("result = %+v, want credited", res)
	}
	ev := res.Event
	if ev.UserID != 13 || ev.Credits != 450 || ev.Currency != "ETH" || ev.SourceCurrency != "USD" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Amount.String() != "0.5" || ev.SourceAmount.String() != "29.99" {
		t.Errorf("amounts = %s / %s", ev.Amount, ev.SourceAmount)
	}
}

func TestHandle_OrderNumberAsPaymentID(t *testing.T) {
	e := newTestEnv(t)
	res := e.deliver(t, `{"order_number":"user_14_unknownpkg_1700000000","status":"completed"}`)
	if res.Event.PaymentID != "user_14_unknownpkg_1700000000" {
		t.Errorf("payment id = %q", res.Event.PaymentID)
	}
	if res.Event.Credits != 100 || res.Event.Package != "" {
		t.Errorf("unknown package should fall back to default credits, got %+v", res.Event)
	}
}

func TestHandle_SameOrderDifferentIDsCreditsOnce(t *testing.T) {
	e := newTestEnv(t)

	res := e.deliver(t, `{"txn_id":"pay_1","order_number":"user_7_pro_1700000000","status":"completed"}`)
	if !res.Credited {
		t.Fatalf("first delivery = %+v, want credited", res)
	}
	if got := e.balance(t, 7); got != 130 {
		t.Fatalf("balance = %d, want 130", got)
	}

	res = e.deliver(t, "order_number=user_7_pro_1700000000&status=completed")
	if res.Outcome != Accepted || res.Credited {
		t.Fatalf("second delivery = %+v, want accepted without credit", res)
	}
	if got := e.balance(t, 7); got != 130 {
		t.Errorf("balance after second delivery = %d, want 130", got)
	}
	if res.Event.TransactionID == nil {
		t.Error("second delivery should link the existing transaction")
	}
	if user, admins := e.notifier.counts(7); user != 1 || admins != 1 {
		t.Errorf("notifications = %d user, %d admin, want 1 each", user, admins)
	}
	hist, _ := e.ledger.History(context.Background(), 7, 10)
	if len(hist) != 1 || hist[0].ExternalRef != "user_7_pro_1700000000" {
		t.Errorf("history = %+v", hist)
	}
}

func TestHandle_RecordFailureIsError(t *testing.T) {
	e := newTestEnv(t)
	e.proc.events = &failingEvents{}
	body := `{"txn_id":"pay_7","user_id":15,"status":"completed"}`
	if _, err := e.proc.Handle(context.Background(), []byte(body), Sign(testSecret, []byte(body))); err == nil {
		t.Fatal("expected error when the event cannot be recorded")
	}
	if got := e.balance(t, 15); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("s3cret", body)
	if !VerifySignature("s3cret", body, sig) {
		t.Error("valid signature rejected")
	}
	if !VerifySignature("s3cret", body, "sha256="+strings.ToUpper(sig)) {
		t.Error("prefixed upper-case signature rejected")
	}
	if VerifySignature("s3cret", []byte(`{"a":2}`), sig) {
		t.Error("signature accepted for a different body")
	}
	if VerifySignature("s3cret", body, sig[:10]) {
		t.Error("truncated signature accepted")
	}
}
