package payments

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/models"
	"github.com/genbot/backend/internal/notify"
)

// Outcome is the processor's verdict on one webhook delivery.
type Outcome int

const (
	Accepted Outcome = iota
	RejectedSignature
	RejectedMalformed
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case RejectedSignature:
		return "rejected_signature"
	case RejectedMalformed:
		return "rejected_malformed"
	}
	return "unknown"
}

// Result describes a handled delivery. Event is nil for rejections.
// Credited is true only on the delivery that created the ledger credit.
type Result struct {
	Outcome  Outcome
	Event    *models.PaymentEvent
	Credited bool
	Reason   string
}

// Processor verifies, records and applies payment webhooks.
type Processor struct {
	events   EventStore
	ledger   ledger.Store
	notifier notify.Notifier
	cfg      config.Payments
	logger   *slog.Logger
}

func NewProcessor(events EventStore, ledgerStore ledger.Store, notifier notify.Notifier, cfg config.Payments, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{events: events, ledger: ledgerStore, notifier: notifier, cfg: cfg, logger: logger}
}

// Handle processes one delivery. Rejections come back as a Result with a nil
// error and leave no trace in the ledger or the event log. A non-nil error
// means the event could not be durably applied and the gateway should retry.
func (p *Processor) Handle(ctx context.Context, raw []byte, signature string) (*Result, error) {
	if !VerifySignature(p.cfg.WebhookSecret, raw, signature) {
		p.logger.Warn("payment webhook rejected: bad signature", "body_bytes", len(raw))
		return &Result{Outcome: RejectedSignature, Reason: ErrBadSignature.Error()}, nil
	}

	ev, err := p.parse(raw)
	if err != nil {
		p.logger.Warn("payment webhook rejected: malformed", "error", err)
		return &Result{Outcome: RejectedMalformed, Reason: err.Error()}, nil
	}

	stored, changed, err := p.events.Record(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("record payment %s: %w", ev.PaymentID, err)
	}
	res := &Result{Outcome: Accepted, Event: stored}

	switch stored.Status {
	case models.PaymentStatusCompleted:
		return p.credit(ctx, res)
	case models.PaymentStatusFailed:
		p.logger.Info("payment not completed", "payment_id", stored.PaymentID, "user_id", stored.UserID, "gateway_status", stored.GatewayStatus)
		if changed {
			if err := p.notifier.Notify(ctx, stored.UserID, notify.PaymentNotCompleted(stored)); err != nil {
				p.logger.Warn("payment notification failed", "payment_id", stored.PaymentID, "error", err)
			}
		}
	default:
		if !isPendingStatus(stored.GatewayStatus) {
			p.logger.Warn("payment status not recognised, acknowledged only", "payment_id", stored.PaymentID, "gateway_status", stored.GatewayStatus)
		} else {
			p.logger.Info("payment pending", "payment_id", stored.PaymentID, "user_id", stored.UserID)
		}
	}
	return res, nil
}

// credit applies a completed event. The ledger deduplicates by creditRef, so
// replays land on the existing transaction.
func (p *Processor) credit(ctx context.Context, res *Result) (*Result, error) {
	ev := res.Event
	txID, created, err := p.ledger.Credit(ctx, ev.UserID, ev.Credits, models.ReasonPaymentCredit, creditRef(ev))
	if err != nil {
		return nil, fmt.Errorf("credit payment %s: %w", ev.PaymentID, err)
	}
	if ev.TransactionID == nil || *ev.TransactionID != txID {
		if err := p.events.SetTransaction(ctx, ev.PaymentID, txID); err != nil {
			return nil, fmt.Errorf("link payment %s: %w", ev.PaymentID, err)
		}
		ev.TransactionID = &txID
	}
	res.Credited = created
	if !created {
		p.logger.Info("payment already credited", "payment_id", ev.PaymentID, "transaction_id", txID, "received_count", ev.ReceivedCount)
		return res, nil
	}

	p.logger.Info("payment credited", "payment_id", ev.PaymentID, "user_id", ev.UserID, "credits", ev.Credits, "transaction_id", txID)
	balance, err := p.ledger.Balance(ctx, ev.UserID)
	if err != nil {
		p.logger.Warn("balance lookup failed", "user_id", ev.UserID, "error", err)
	}
	if err := p.notifier.Notify(ctx, ev.UserID, notify.PaymentCredited(ev, balance)); err != nil {
		p.logger.Warn("payment notification failed", "payment_id", ev.PaymentID, "error", err)
	}
	if err := p.notifier.NotifyAdmins(ctx, notify.PaymentAdminAlert(ev)); err != nil {
		p.logger.Warn("admin payment alert failed", "payment_id", ev.PaymentID, "error", err)
	}
	return res, nil
}

// creditRef keys the ledger credit for a payment. The gateway may deliver the
// same invoice once with txn_id and again with only order_number, so the order
// number wins whenever it is present.
func creditRef(ev *models.PaymentEvent) string {
	return firstNonEmpty(ev.OrderNumber, ev.PaymentID)
}

// parse accepts a JSON object or a form-encoded body.
func (p *Processor) parse(raw []byte) (*models.PaymentEvent, error) {
	get, err := fieldReader(raw)
	if err != nil {
		return nil, err
	}

	orderNumber := get("order_number")
	paymentID := firstNonEmpty(get("txn_id"), get("id"), orderNumber)
	if paymentID == "" {
		return nil, fmt.Errorf("%w: missing txn_id and order_number", ErrMalformed)
	}
	gatewayStatus := strings.ToLower(get("status"))
	if gatewayStatus == "" {
		return nil, fmt.Errorf("%w: missing status", ErrMalformed)
	}

	var userID int64
	var pkgKey string
	if o, ok := ParseOrderNumber(orderNumber); ok {
		userID, pkgKey = o.UserID, o.Package
	}
	if s := get("user_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: invalid user_id %q", ErrMalformed, s)
		}
		userID = id
	}
	if userID <= 0 {
		return nil, fmt.Errorf("%w: no user in user_id or order_number", ErrMalformed)
	}

	amount, err := parseAmount(get("amount"))
	if err != nil {
		return nil, err
	}
	sourceAmount, err := parseAmount(get("source_amount"))
	if err != nil {
		return nil, err
	}

	credits := p.cfg.DefaultCredits
	if pkg, ok := p.cfg.Packages[pkgKey]; ok {
		credits = pkg.Credits
	} else {
		pkgKey = ""
	}

	now := time.Now().UTC()
	return &models.PaymentEvent{
		PaymentID:      paymentID,
		UserID:         userID,
		OrderNumber:    orderNumber,
		Package:        pkgKey,
		Amount:         amount,
		Currency:       firstNonEmpty(get("currency"), get("psys_cid")),
		SourceAmount:   sourceAmount,
		SourceCurrency: firstNonEmpty(get("source_currency"), "USD"),
		Status:         normalizeStatus(gatewayStatus),
		GatewayStatus:  gatewayStatus,
		Credits:        credits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func fieldReader(raw []byte) (func(string) string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if trimmed[0] == '{' {
		if !gjson.ValidBytes(trimmed) {
			return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
		}
		return func(key string) string {
			return strings.TrimSpace(gjson.GetBytes(trimmed, gjson.Escape(key)).String())
		}, nil
	}
	values, err := url.ParseQuery(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return func(key string) string { return strings.TrimSpace(values.Get(key)) }, nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: invalid amount %q", ErrMalformed, s)
	}
	return d, nil
}

// normalizeStatus folds the gateway vocabulary into pending, completed or failed.
// Anything unrecognised is kept as pending.
func normalizeStatus(s string) string {
	switch s {
	case "completed", "success", "paid":
		return models.PaymentStatusCompleted
	case "error", "failed", "cancelled", "canceled", "expired", "cancelled duplicate":
		return models.PaymentStatusFailed
	}
	return models.PaymentStatusPending
}

func isPendingStatus(s string) bool {
	return s == "new" || s == "pending"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
