package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment statuses after normalisation of the gateway's vocabulary.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

// PaymentEvent is one gateway notification. PaymentID is the idempotency key.
type PaymentEvent struct {
	PaymentID      string          `json:"payment_id"`
	UserID         int64           `json:"user_id"`
	OrderNumber    string          `json:"order_number"`
	Package        string          `json:"package,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	SourceAmount   decimal.Decimal `json:"source_amount"`
	SourceCurrency string          `json:"source_currency"`
	Status         string          `json:"status"`
	GatewayStatus  string          `json:"gateway_status"`
	Credits        int64           `json:"credits"`
	TransactionID  *uuid.UUID      `json:"transaction_id,omitempty"`
	ReceivedCount  int             `json:"received_count"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
