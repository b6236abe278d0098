package payments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/models"
)

const plisioBaseURL = "https://api.plisio.net/api/v1"

// Order identifies the payer and package inside a gateway order number of the
// form user_<id>_<package>_<unix>.
type Order struct {
	UserID  int64
	Package string
	Created time.Time
}

func BuildOrderNumber(userID int64, pkg string, at time.Time) string {
	return fmt.Sprintf("user_%d_%s_%d", userID, pkg, at.Unix())
}

// ParseOrderNumber reverses BuildOrderNumber. The timestamp part is optional.
func ParseOrderNumber(s string) (Order, bool) {
	parts := strings.Split(s, "_")
	if len(parts) < 2 || parts[0] != "user" {
		return Order{}, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return Order{}, false
	}
	o := Order{UserID: id}
	rest := parts[2:]
	if n := len(rest); n > 0 {
		if ts, err := strconv.ParseInt(rest[n-1], 10, 64); err == nil {
			o.Created = time.Unix(ts, 0).UTC()
			rest = rest[:n-1]
		}
	}
	o.Package = strings.ToLower(strings.Join(rest, "_"))
	return o, true
}

// Invoice is a checkout page opened at the gateway.
type Invoice struct {
	PaymentID   string
	OrderNumber string
	URL         string
	Package     config.Package
}

// PlisioClient opens invoices on the Plisio API and records them as pending
// payment events so the webhook finds them later.
type PlisioClient struct {
	cfg        config.Payments
	baseURL    string
	httpClient *http.Client
	events     EventStore
	logger     *slog.Logger
	now        func() time.Time
}

func NewPlisioClient(cfg config.Payments, events EventStore, logger *slog.Logger) *PlisioClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlisioClient{
		cfg:        cfg,
		baseURL:    plisioBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		events:     events,
		logger:     logger,
		now:        time.Now,
	}
}

func (c *PlisioClient) Enabled() bool {
	return c.cfg.PlisioAPIKey != ""
}

// Packages lists what can be bought, cheapest first.
func (c *PlisioClient) Packages() []config.Package {
	return c.cfg.SortedPackages()
}

// CreateInvoice opens an invoice for pkgKey. It is not retried: a repeated
// call would open a second invoice.
func (c *PlisioClient) CreateInvoice(ctx context.Context, userID int64, pkgKey string) (*Invoice, error) {
	if !c.Enabled() {
		return nil, ErrGatewayDisabled
	}
	pkg, ok := c.cfg.Packages[strings.ToLower(pkgKey)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPackage, pkgKey)
	}
	orderNumber := BuildOrderNumber(userID, pkg.Key, c.now())

	q := url.Values{}
	q.Set("api_key", c.cfg.PlisioAPIKey)
	q.Set("order_number", orderNumber)
	q.Set("order_name", fmt.Sprintf("%d Credits", pkg.Credits))
	q.Set("source_currency", "USD")
	q.Set("source_amount", pkg.Price.StringFixed(2))
	if c.cfg.CallbackURL != "" {
		q.Set("callback_url", c.cfg.CallbackURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/invoices/new?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGateway, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", ErrGateway, err)
	}

	res := gjson.ParseBytes(body)
	if resp.StatusCode != http.StatusOK || res.Get("status").String() != "success" {
		msg := firstNonEmpty(res.Get("data.message").String(), res.Get("message").String(), resp.Status)
		return nil, fmt.Errorf("%w: %s", ErrGateway, msg)
	}
	inv := &Invoice{
		PaymentID:   firstNonEmpty(res.Get("data.txn_id").String(), orderNumber),
		OrderNumber: orderNumber,
		URL:         res.Get("data.invoice_url").String(),
		Package:     pkg,
	}
	if inv.URL == "" {
		return nil, fmt.Errorf("%w: no invoice_url in response", ErrGateway)
	}

	now := c.now().UTC()
	_, _, err = c.events.Record(ctx, &models.PaymentEvent{
		PaymentID:      inv.PaymentID,
		UserID:         userID,
		OrderNumber:    orderNumber,
		Package:        pkg.Key,
		Amount:         decimal.Zero,
		SourceAmount:   pkg.Price,
		SourceCurrency: "USD",
		Status:         models.PaymentStatusPending,
		GatewayStatus:  "new",
		Credits:        pkg.Credits,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("record invoice %s: %w", inv.PaymentID, err)
	}
	c.logger.Info("invoice created", "payment_id", inv.PaymentID, "user_id", userID, "package", pkg.Key)
	return inv, nil
}
