package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/genbot/backend/internal/models"
)

// Repository is the Postgres EventStore. Amounts are stored as decimal text.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ EventStore = (*Repository)(nil)

const eventColumns = `payment_id, user_id, order_number, package, amount, currency, source_amount,
	source_currency, status, gateway_status, credits, transaction_id, received_count, created_at, updated_at`

func (r *Repository) Record(ctx context.Context, ev *models.PaymentEvent) (*models.PaymentEvent, bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback(ctx)

	var prev string
	err = tx.QueryRow(ctx, `SELECT status FROM payment_events WHERE payment_id = $1 FOR UPDATE`, ev.PaymentID).Scan(&prev)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("lock payment event: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO payment_events (payment_id, user_id, order_number, package, amount, currency,
			source_amount, source_currency, status, gateway_status, credits)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (payment_id) DO UPDATE SET
			status = CASE WHEN payment_events.status = 'completed'
				THEN payment_events.status ELSE EXCLUDED.status END,
			gateway_status = CASE WHEN payment_events.status = 'completed'
				THEN payment_events.gateway_status ELSE EXCLUDED.gateway_status END,
			amount = CASE WHEN EXCLUDED.amount = '0' THEN payment_events.amount ELSE EXCLUDED.amount END,
			currency = COALESCE(NULLIF(EXCLUDED.currency, ''), payment_events.currency),
			received_count = payment_events.received_count + 1,
			updated_at = now()
		RETURNING `+eventColumns+`, (xmax = 0)
	`, ev.PaymentID, ev.UserID, ev.OrderNumber, ev.Package, ev.Amount.String(), ev.Currency,
		ev.SourceAmount.String(), ev.SourceCurrency, ev.Status, ev.GatewayStatus, ev.Credits)

	var inserted bool
	stored, err := scanEvent(row, &inserted)
	if err != nil {
		return nil, false, fmt.Errorf("upsert payment event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	changed := inserted || (prev != "" && prev != stored.Status)
	return stored, changed, nil
}

func (r *Repository) SetTransaction(ctx context.Context, paymentID string, txID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_events SET transaction_id = $2, updated_at = now() WHERE payment_id = $1
	`, paymentID, txID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, paymentID string) (*models.PaymentEvent, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM payment_events WHERE payment_id = $1`, paymentID)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (r *Repository) ListByUser(ctx context.Context, userID int64, limit int) ([]*models.PaymentEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM payment_events
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*models.PaymentEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row, extra ...any) (*models.PaymentEvent, error) {
	var ev models.PaymentEvent
	var amount, sourceAmount string
	dest := []any{&ev.PaymentID, &ev.UserID, &ev.OrderNumber, &ev.Package, &amount, &ev.Currency, &sourceAmount,
		&ev.SourceCurrency, &ev.Status, &ev.GatewayStatus, &ev.Credits, &ev.TransactionID, &ev.ReceivedCount,
		&ev.CreatedAt, &ev.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	var err error
	if ev.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payment %s amount: %w", ev.PaymentID, err)
	}
	if ev.SourceAmount, err = decimal.NewFromString(sourceAmount); err != nil {
		return nil, fmt.Errorf("payment %s source_amount: %w", ev.PaymentID, err)
	}
	return &ev, nil
}
