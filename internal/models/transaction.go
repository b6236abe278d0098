package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger transaction reasons.
const (
	ReasonSignupGrant   = "signup_grant"
	ReasonRollDebit     = "roll_debit"
	ReasonVideoDebit    = "video_debit"
	ReasonRefund        = "refund"
	ReasonPaymentCredit = "payment_credit"
	ReasonAdminCredit   = "admin_credit"
	ReasonCheckinCredit = "checkin_credit"
)

// Transaction is an immutable ledger row. Delta is signed: debits are negative.
type Transaction struct {
	ID          uuid.UUID  `json:"id"`
	UserID      int64      `json:"user_id"`
	Delta       int64      `json:"delta"`
	Reason      string     `json:"reason"`
	ExternalRef string     `json:"external_ref,omitempty"`
	RefundOf    *uuid.UUID `json:"refund_of,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// IsDebit reports whether the transaction is a job reservation that can be
// refunded. Negative admin adjustments are not.
func (t *Transaction) IsDebit() bool {
	if t.Delta >= 0 || t.RefundOf != nil {
		return false
	}
	return t.Reason == ReasonRollDebit || t.Reason == ReasonVideoDebit
}

// IsCredit reports whether the transaction adds credits outside of a refund.
func (t *Transaction) IsCredit() bool {
	return t.Delta > 0 && t.RefundOf == nil
}
