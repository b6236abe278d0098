package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/genbot/backend/internal/models"
)

var (
	// ErrInsufficientFunds is returned when a debit would take the balance below zero.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrTransactionNotFound is returned for an unknown transaction id.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrNotRefundable is returned when refunding something that is not a reservation.
	ErrNotRefundable = errors.New("transaction is not a refundable debit")
	// ErrUserNotFound is returned by GetUser for an unknown user.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidAmount is returned for non-positive reserve/credit amounts or a zero adjustment.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Store owns every balance mutation. Mutations for one user are linearizable;
// a user's balance is always the sum of that user's transaction deltas.
type Store interface {
	// EnsureUser creates the user if missing and issues the one-time signup
	// grant. granted is true only on the call that issued it.
	EnsureUser(ctx context.Context, userID int64, username, firstName string, grant int64) (user *models.User, granted bool, err error)
	// Reserve debits amount or fails with ErrInsufficientFunds. jobRef is recorded
	// as the transaction's external reference.
	Reserve(ctx context.Context, userID int64, amount int64, reason, jobRef string) (uuid.UUID, error)
	// Commit finalises a reservation. Reservations are already final, so this
	// only checks that txID is a debit.
	Commit(ctx context.Context, txID uuid.UUID) error
	// ReservationByRef finds the user's debit recorded under jobRef, or
	// ErrTransactionNotFound.
	ReservationByRef(ctx context.Context, userID int64, jobRef string) (*models.Transaction, error)
	// Refund reverses a debit. Refunding twice returns the first refund's id.
	Refund(ctx context.Context, txID uuid.UUID) (uuid.UUID, error)
	// Credit adds amount. A non-empty externalRef already used by a credit
	// returns the prior transaction id with created=false and no new credit.
	Credit(ctx context.Context, userID int64, amount int64, reason, externalRef string) (txID uuid.UUID, created bool, err error)
	// Adjust applies a signed manual delta, refusing to go below zero.
	Adjust(ctx context.Context, userID int64, delta int64, reason, description string) (uuid.UUID, error)
	Balance(ctx context.Context, userID int64) (int64, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	Transaction(ctx context.Context, txID uuid.UUID) (*models.Transaction, error)
	History(ctx context.Context, userID int64, limit int) ([]*models.Transaction, error)
}
