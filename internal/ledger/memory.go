package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/genbot/backend/internal/models"
)

// MemoryStore is an in-process Store for dev mode and tests. Mutations for a
// user are serialised by that user's mutex; different users proceed in parallel.
type MemoryStore struct {
	mu        sync.Mutex // guards the maps below, never held across a user lock wait
	userLocks map[int64]*sync.Mutex
	users     map[int64]*models.User
	txs       map[uuid.UUID]*models.Transaction
	byUser    map[int64][]uuid.UUID
	creditRef map[string]uuid.UUID
	refunds   map[uuid.UUID]uuid.UUID

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		userLocks: make(map[int64]*sync.Mutex),
		users:     make(map[int64]*models.User),
		txs:       make(map[uuid.UUID]*models.Transaction),
		byUser:    make(map[int64][]uuid.UUID),
		creditRef: make(map[string]uuid.UUID),
		refunds:   make(map[uuid.UUID]uuid.UUID),
		now:       time.Now,
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) lockUser(userID int64) func() {
	m.mu.Lock()
	l, ok := m.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.userLocks[userID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *MemoryStore) EnsureUser(_ context.Context, userID int64, username, firstName string, grant int64) (*models.User, bool, error) {
	unlock := m.lockUser(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.ensureUserLocked(userID)
	if username != "" {
		u.Username = username
	}
	if firstName != "" {
		u.FirstName = firstName
	}
	u.LastSeenAt = m.now()
	granted := false
	if !u.SignupGranted && grant > 0 {
		m.appendLocked(userID, grant, models.ReasonSignupGrant, "", nil, "welcome bonus")
		u.SignupGranted = true
		granted = true
	}
	return m.userCopyLocked(u), granted, nil
}

func (m *MemoryStore) Reserve(_ context.Context, userID int64, amount int64, reason, jobRef string) (uuid.UUID, error) {
	if amount <= 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	unlock := m.lockUser(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return uuid.Nil, ErrInsufficientFunds
	}
	if m.balanceLocked(userID) < amount {
		return uuid.Nil, ErrInsufficientFunds
	}
	return m.appendLocked(userID, -amount, reason, jobRef, nil, ""), nil
}

func (m *MemoryStore) Commit(ctx context.Context, txID uuid.UUID) error {
	t, err := m.Transaction(ctx, txID)
	if err != nil {
		return err
	}
	if !t.IsDebit() {
		return ErrNotRefundable
	}
	return nil
}

func (m *MemoryStore) ReservationByRef(_ context.Context, userID int64, jobRef string) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.byUser[userID] {
		t := m.txs[id]
		if t.ExternalRef == jobRef && t.IsDebit() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (m *MemoryStore) Refund(ctx context.Context, txID uuid.UUID) (uuid.UUID, error) {
	orig, err := m.Transaction(ctx, txID)
	if err != nil {
		return uuid.Nil, err
	}
	if !orig.IsDebit() {
		return uuid.Nil, ErrNotRefundable
	}
	unlock := m.lockUser(orig.UserID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.refunds[txID]; ok {
		return prior, nil
	}
	ref := txID
	id := m.appendLocked(orig.UserID, -orig.Delta, models.ReasonRefund, orig.ExternalRef, &ref, "refund of "+txID.String())
	m.refunds[txID] = id
	return id, nil
}

func (m *MemoryStore) Credit(_ context.Context, userID int64, amount int64, reason, externalRef string) (uuid.UUID, bool, error) {
	if amount <= 0 {
		return uuid.Nil, false, ErrInvalidAmount
	}
	unlock := m.lockUser(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if externalRef != "" {
		if prior, ok := m.creditRef[externalRef]; ok {
			return prior, false, nil
		}
	}
	m.ensureUserLocked(userID)
	id := m.appendLocked(userID, amount, reason, externalRef, nil, "")
	if externalRef != "" {
		m.creditRef[externalRef] = id
	}
	return id, true, nil
}

func (m *MemoryStore) Adjust(_ context.Context, userID int64, delta int64, reason, description string) (uuid.UUID, error) {
	if delta == 0 {
		return uuid.Nil, ErrInvalidAmount
	}
	unlock := m.lockUser(userID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		if delta < 0 {
			return uuid.Nil, ErrInsufficientFunds
		}
		m.ensureUserLocked(userID)
	}
	if m.balanceLocked(userID)+delta < 0 {
		return uuid.Nil, ErrInsufficientFunds
	}
	return m.appendLocked(userID, delta, reason, "", nil, description), nil
}

func (m *MemoryStore) Balance(_ context.Context, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

func (m *MemoryStore) GetUser(_ context.Context, userID int64) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return m.userCopyLocked(u), nil
}

func (m *MemoryStore) Transaction(_ context.Context, txID uuid.UUID) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txs[txID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) History(_ context.Context, userID int64, limit int) ([]*models.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byUser[userID]
	out := make([]*models.Transaction, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		cp := *m.txs[ids[i]]
		out = append(out, &cp)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ensureUserLocked(userID int64) *models.User {
	u, ok := m.users[userID]
	if !ok {
		now := m.now()
		u = &models.User{ID: userID, CreatedAt: now, LastSeenAt: now}
		m.users[userID] = u
	}
	return u
}

func (m *MemoryStore) appendLocked(userID, delta int64, reason, ref string, refundOf *uuid.UUID, description string) uuid.UUID {
	t := &models.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Delta:       delta,
		Reason:      reason,
		ExternalRef: ref,
		RefundOf:    refundOf,
		Description: description,
		CreatedAt:   m.now(),
	}
	m.txs[t.ID] = t
	m.byUser[userID] = append(m.byUser[userID], t.ID)
	return t.ID
}

func (m *MemoryStore) balanceLocked(userID int64) int64 {
	var sum int64
	for _, id := range m.byUser[userID] {
		sum += m.txs[id].Delta
	}
	return sum
}

func (m *MemoryStore) userCopyLocked(u *models.User) *models.User {
	cp := *u
	cp.Balance = m.balanceLocked(u.ID)
	return &cp
}
