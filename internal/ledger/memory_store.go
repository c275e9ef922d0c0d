package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances   map[int64]*Balance
	entries    []*Entry
	references map[string]bool
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[int64]*Balance),
		entries:    make([]*Entry, 0),
		references: make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID int64) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[userID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{
		UserID:       userID,
		Withdrawable: decimal.Zero,
		TotalIn:      decimal.Zero,
		UpdatedAt:    time.Now(),
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID int64, amount decimal.Decimal, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.references[reference] {
		return ErrDuplicateReference
	}

	bal, ok := m.balances[userID]
	if !ok {
		bal = &Balance{UserID: userID}
		m.balances[userID] = bal
	}
	now := time.Now()
	bal.Withdrawable = bal.Withdrawable.Add(amount)
	bal.TotalIn = bal.TotalIn.Add(amount)
	bal.UpdatedAt = now

	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("ent_"),
		UserID:      userID,
		Type:        "credit",
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   now,
	})
	m.references[reference] = true
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, userID int64, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
