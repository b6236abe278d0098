package payments

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genbot/backend/internal/models"
)

// MemoryStore keeps payment events in process memory. Used in dev mode and tests.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string]*models.PaymentEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string]*models.PaymentEvent)}
}

var _ EventStore = (*MemoryStore)(nil)

func (m *MemoryStore) Record(_ context.Context, ev *models.PaymentEvent) (*models.PaymentEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.events[ev.PaymentID]
	if !ok {
		cp := *ev
		cp.ReceivedCount = 1
		m.events[ev.PaymentID] = &cp
		out := cp
		return &out, true, nil
	}

	changed := false
	if cur.Status != models.PaymentStatusCompleted && cur.Status != ev.Status {
		cur.Status = ev.Status
		changed = true
	}
	if cur.Status != models.PaymentStatusCompleted || changed {
		cur.GatewayStatus = ev.GatewayStatus
	}
	if !ev.Amount.IsZero() {
		cur.Amount = ev.Amount
	}
	if ev.Currency != "" {
		cur.Currency = ev.Currency
	}
	cur.ReceivedCount++
	cur.UpdatedAt = time.Now().UTC()
	out := *cur
	return &out, changed, nil
}

func (m *MemoryStore) SetTransaction(_ context.Context, paymentID string, txID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.events[paymentID]
	if !ok {
		return ErrEventNotFound
	}
	id := txID
	cur.TransactionID = &id
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, paymentID string) (*models.PaymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.events[paymentID]
	if !ok {
		return nil, ErrEventNotFound
	}
	out := *cur
	return &out, nil
}

func (m *MemoryStore) ListByUser(_ context.Context, userID int64, limit int) ([]*models.PaymentEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.PaymentEvent, 0)
	for _, ev := range m.events {
		if ev.UserID == userID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
