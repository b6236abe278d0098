package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/genbot/backend/internal/models"
)

const checkinDayLayout = "2006-01-02"

func checkinRef(userID int64, day time.Time) string {
	return fmt.Sprintf("checkin:%d:%s", userID, day.UTC().Format(checkinDayLayout))
}

// Checkin credits the daily reward once per UTC day. A repeat on the same day
// returns the earlier transaction with credited=false.
func Checkin(ctx context.Context, store Store, userID int64, day time.Time, reward int64) (txID uuid.UUID, credited bool, err error) {
	return store.Credit(ctx, userID, reward, models.ReasonCheckinCredit, checkinRef(userID, day))
}

// CheckinStreak counts consecutive check-in days ending at day.
func CheckinStreak(ctx context.Context, store Store, userID int64, day time.Time) (int, error) {
	history, err := store.History(ctx, userID, 400)
	if err != nil {
		return 0, err
	}
	days := make(map[string]bool)
	prefix := fmt.Sprintf("checkin:%d:", userID)
	for _, t := range history {
		if t.Reason == models.ReasonCheckinCredit && strings.HasPrefix(t.ExternalRef, prefix) {
			days[strings.TrimPrefix(t.ExternalRef, prefix)] = true
		}
	}
	streak := 0
	for d := day.UTC(); days[d.Format(checkinDayLayout)]; d = d.AddDate(0, 0, -1) {
		streak++
	}
	return streak, nil
}
