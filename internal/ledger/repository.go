package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/genbot/backend/internal/models"
)

// Repository is the Postgres Store. Each mutation locks the user's row
// (SELECT ... FOR UPDATE) and recomputes the balance from ledger_transactions.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

const txColumns = `id, user_id, delta, reason, COALESCE(external_ref, ''), refund_of, description, created_at`

func (r *Repository) EnsureUser(ctx context.Context, userID int64, username, firstName string, grant int64) (*models.User, bool, error) {
	var u *models.User
	granted := false
	err := r.withUserLock(ctx, userID, true, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE users
			SET username = COALESCE(NULLIF($2, ''), username),
				first_name = COALESCE(NULLIF($3, ''), first_name),
				last_seen_at = now()
			WHERE id = $1
		`, userID, username, firstName)
		if err != nil {
			return err
		}
		u, err = scanUser(ctx, tx, userID)
		if err != nil {
			return err
		}
		if u.SignupGranted || grant <= 0 {
			return nil
		}
		if _, err := insertTx(ctx, tx, userID, grant, models.ReasonSignupGrant, "", nil, "welcome bonus"); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE users SET signup_granted = TRUE WHERE id = $1`, userID); err != nil {
			return err
		}
		u.SignupGranted = true
		u.Balance += grant
		granted = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return u, granted, nil
}

func (r *Repository) Reserve(ctx context.Context, userID int64, amount int64, reason, jobRef string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	var id uuid.UUID
	err := r.withUserLock(ctx, userID, false, func(tx pgx.Tx) error {
		balance, err := sumBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balance < amount {
			return ErrInsufficientFunds
		}
		id, err = insertTx(ctx, tx, userID, -amount, reason, jobRef, nil, "")
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		// Unknown user: zero balance.
		return uuid.Nil, ErrInsufficientFunds
	}
	return id, err
}

func (r *Repository) Commit(ctx context.Context, txID uuid.UUID) error {
	t, err := r.Transaction(ctx, txID)
	if err != nil {
		return err
	}
	if !t.IsDebit() {
		return ErrNotRefundable
	}
	return nil
}

func (r *Repository) ReservationByRef(ctx context.Context, userID int64, jobRef string) (*models.Transaction, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+txColumns+` FROM ledger_transactions
		WHERE user_id = $1 AND external_ref = $2 AND delta < 0 AND refund_of IS NULL
		ORDER BY created_at LIMIT 1
	`, userID, jobRef)
	t, err := scanTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (r *Repository) Refund(ctx context.Context, txID uuid.UUID) (uuid.UUID, error) {
	orig, err := r.Transaction(ctx, txID)
	if err != nil {
		return uuid.Nil, err
	}
	if !orig.IsDebit() {
		return uuid.Nil, ErrNotRefundable
	}
	var id uuid.UUID
	err = r.withUserLock(ctx, orig.UserID, false, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT id FROM ledger_transactions WHERE refund_of = $1`, txID).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		id, err = insertTx(ctx, tx, orig.UserID, -orig.Delta, models.ReasonRefund, orig.ExternalRef, &txID, "refund of "+txID.String())
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("refund %s: %w", txID, err)
	}
	return id, nil
}

func (r *Repository) Credit(ctx context.Context, userID int64, amount int64, reason, externalRef string) (uuid.UUID, bool, error) {
	if amount <= 0 {
		return uuid.Nil, false, ErrInvalidAmount
	}
	var id uuid.UUID
	created := false
	err := r.withUserLock(ctx, userID, true, func(tx pgx.Tx) error {
		if externalRef != "" {
			prior, err := findCreditByRef(ctx, tx, externalRef)
			if err != nil {
				return err
			}
			if prior != uuid.Nil {
				id = prior
				return nil
			}
		}
		var err error
		id, err = insertTx(ctx, tx, userID, amount, reason, externalRef, nil, "")
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	if isUniqueViolation(err) && externalRef != "" {
		// Same ref credited concurrently under another user's lock.
		prior, ferr := findCreditByRef(ctx, r.pool, externalRef)
		if ferr != nil {
			return uuid.Nil, false, ferr
		}
		return prior, false, nil
	}
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, created, nil
}

func (r *Repository) Adjust(ctx context.Context, userID int64, delta int64, reason, description string) (uuid.UUID, error) {
	if delta == 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	var id uuid.UUID
	err := r.withUserLock(ctx, userID, delta > 0, func(tx pgx.Tx) error {
		balance, err := sumBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if balance+delta < 0 {
			return ErrInsufficientFunds
		}
		id, err = insertTx(ctx, tx, userID, delta, reason, "", nil, description)
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrInsufficientFunds
	}
	return id, err
}

func (r *Repository) Balance(ctx context.Context, userID int64) (int64, error) {
	return sumBalance(ctx, r.pool, userID)
}

func (r *Repository) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	u, err := scanUser(ctx, r.pool, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	return u, err
}

func (r *Repository) Transaction(ctx context.Context, txID uuid.UUID) (*models.Transaction, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+txColumns+` FROM ledger_transactions WHERE id = $1`, txID)
	t, err := scanTx(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (r *Repository) History(ctx context.Context, userID int64, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM ledger_transactions
		WHERE user_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// withUserLock runs fn in a transaction holding the user's row lock. When
// create is set the row is inserted first if missing.
func (r *Repository) withUserLock(ctx context.Context, userID int64, create bool, fn func(pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if create {
		if _, err := tx.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID); err != nil {
			return err
		}
	}
	var locked int64
	if err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&locked); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func sumBalance(ctx context.Context, q querier, userID int64) (int64, error) {
	var balance int64
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(delta), 0)::BIGINT FROM ledger_transactions WHERE user_id = $1`, userID).Scan(&balance)
	return balance, err
}

func scanUser(ctx context.Context, q querier, userID int64) (*models.User, error) {
	var u models.User
	err := q.QueryRow(ctx, `
		SELECT u.id, u.username, u.first_name, u.signup_granted, u.created_at, u.last_seen_at,
			COALESCE((SELECT SUM(delta) FROM ledger_transactions WHERE user_id = u.id), 0)::BIGINT
		FROM users u WHERE u.id = $1
	`, userID).Scan(&u.ID, &u.Username, &u.FirstName, &u.SignupGranted, &u.CreatedAt, &u.LastSeenAt, &u.Balance)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func findCreditByRef(ctx context.Context, q querier, ref string) (uuid.UUID, error) {
	var id uuid.UUID
	err := q.QueryRow(ctx, `
		SELECT id FROM ledger_transactions WHERE external_ref = $1 AND delta > 0 AND refund_of IS NULL
	`, ref).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, nil
	}
	return id, err
}

func insertTx(ctx context.Context, tx pgx.Tx, userID, delta int64, reason, ref string, refundOf *uuid.UUID, description string) (uuid.UUID, error) {
	id := uuid.New()
	var extRef *string
	if ref != "" {
		extRef = &ref
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_transactions (id, user_id, delta, reason, external_ref, refund_of, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, id, userID, delta, reason, extRef, refundOf, description)
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func scanTx(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	if err := row.Scan(&t.ID, &t.UserID, &t.Delta, &t.Reason, &t.ExternalRef, &t.RefundOf, &t.Description, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
