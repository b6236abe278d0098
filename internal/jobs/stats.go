package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/genbot/backend/internal/ledger"
	"github.com/genbot/backend/internal/models"
)

const maxStatsDays = 90

// Stats is the admin view of request volume and current load.
type Stats struct {
	Days          []*models.DailyJobStats `json:"days"`
	Active        map[string]int          `json:"active"`
	MaxConcurrent map[string]int          `json:"max_concurrent"`
}

// Stats reports per-day job counts for the last days UTC days (today
// included) and the open jobs of each kind against its cap.
func (s *Service) Stats(ctx context.Context, days int) (*Stats, error) {
	if days <= 0 {
		days = 1
	}
	if days > maxStatsDays {
		days = maxStatsDays
	}
	since := ledger.StartOfDay(s.now()).AddDate(0, 0, -(days - 1))
	daily, err := s.store.DailyStats(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("daily stats: %w", err)
	}
	if daily == nil {
		daily = []*models.DailyJobStats{}
	}
	out := &Stats{Days: daily, Active: map[string]int{}, MaxConcurrent: map[string]int{}}
	for _, kind := range []string{models.JobKindImage, models.JobKindVideo} {
		n, err := s.store.CountActive(ctx, kind)
		if err != nil {
			return nil, fmt.Errorf("count active %s jobs: %w", kind, err)
		}
		out.Active[kind] = n
		out.MaxConcurrent[kind] = s.cfg.MaxConcurrent(kind)
	}
	return out, nil
}

// tally adds one job to its day and kind bucket.
func tally(buckets map[[2]string]*models.DailyJobStats, j *models.Job) {
	day := j.CreatedAt.UTC().Format(time.DateOnly)
	key := [2]string{day, j.Kind}
	b, ok := buckets[key]
	if !ok {
		b = &models.DailyJobStats{Day: day, Kind: j.Kind}
		buckets[key] = b
	}
	b.Total++
	switch j.State {
	case models.JobStateCompleted:
		b.Completed++
	case models.JobStateFailed, models.JobStateTimedOut:
		b.Failed++
	case models.JobStateRejected:
		b.Rejected++
	}
}
