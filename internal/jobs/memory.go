package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genbot/backend/internal/models"
)

// MemoryStore keeps jobs in process memory. Used in dev mode and tests.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.Job
	events map[uuid.UUID][]*models.JobEvent
	nextID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:   make(map[uuid.UUID]*models.Job),
		events: make(map[uuid.UUID][]*models.JobEvent),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Create(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	m.appendEventLocked(job.ID, "", job.State, "")
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID int64, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListOpen(_ context.Context) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if !j.Terminal() || j.RefundPending() {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CountActive(_ context.Context, kind string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Kind == kind && !j.Terminal() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DailyStats(_ context.Context, since time.Time) ([]*models.DailyJobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	buckets := make(map[[2]string]*models.DailyJobStats)
	for _, j := range m.jobs {
		if !j.CreatedAt.Before(since) {
			tally(buckets, j)
		}
	}
	out := make([]*models.DailyJobStats, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Day != out[b].Day {
			return out[a].Day > out[b].Day
		}
		return out[a].Kind < out[b].Kind
	})
	return out, nil
}

func (m *MemoryStore) Transition(_ context.Context, job *models.Job, from, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if cur.State != from {
		return ErrStaleState
	}
	cp := *job
	m.jobs[job.ID] = &cp
	m.appendEventLocked(job.ID, from, job.State, detail)
	return nil
}

func (m *MemoryStore) Events(_ context.Context, id uuid.UUID) ([]*models.JobEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return nil, ErrJobNotFound
	}
	out := make([]*models.JobEvent, 0, len(m.events[id]))
	for _, e := range m.events[id] {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) appendEventLocked(id uuid.UUID, from, to, detail string) {
	m.nextID++
	m.events[id] = append(m.events[id], &models.JobEvent{
		ID:        m.nextID,
		JobID:     id,
		FromState: from,
		ToState:   to,
		Detail:    detail,
		CreatedAt: time.Now(),
	})
}
