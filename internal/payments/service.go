package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/genbot/backend/internal/models"
)

var (
	// ErrEventNotFound is returned for an unknown gateway payment id.
	ErrEventNotFound = errors.New("payment event not found")
	// ErrBadSignature marks a webhook whose signature does not match its body.
	ErrBadSignature = errors.New("invalid payment signature")
	// ErrMalformed marks a webhook body that cannot be turned into a payment event.
	ErrMalformed = errors.New("malformed payment payload")
	// ErrUnknownPackage is returned when an invoice names a package that is not on sale.
	ErrUnknownPackage = errors.New("unknown package")
	// ErrGatewayDisabled is returned when no gateway API key is configured.
	ErrGatewayDisabled = errors.New("payment gateway not configured")
	// ErrGateway wraps a failed call to the gateway API.
	ErrGateway = errors.New("payment gateway error")
)

// EventStore is the durable payment-event log. Every accepted webhook is
// recorded here before the gateway gets its 2xx.
type EventStore interface {
	// Record upserts ev by PaymentID, increments ReceivedCount and returns the
	// stored row. A completed event keeps its status. changed is true when the
	// row is new or its status moved.
	Record(ctx context.Context, ev *models.PaymentEvent) (stored *models.PaymentEvent, changed bool, err error)
	// SetTransaction links the event to the ledger credit it produced.
	SetTransaction(ctx context.Context, paymentID string, txID uuid.UUID) error
	Get(ctx context.Context, paymentID string) (*models.PaymentEvent, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]*models.PaymentEvent, error)
}
