package ledger

import (
	"context"
	"time"
)

// SpentSince sums job debits recorded at or after since, net of their refunds.
func SpentSince(ctx context.Context, store Store, userID int64, since time.Time) (int64, error) {
	history, err := store.History(ctx, userID, 500)
	if err != nil {
		return 0, err
	}
	var spent int64
	for _, t := range history {
		if t.CreatedAt.Before(since) {
			break
		}
		switch {
		case t.IsDebit():
			spent -= t.Delta
		case t.RefundOf != nil:
			spent -= t.Delta
		}
	}
	if spent < 0 {
		spent = 0
	}
	return spent, nil
}

// StartOfDay returns midnight UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
