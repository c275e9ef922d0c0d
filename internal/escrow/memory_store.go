package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for demo/development mode and
// tests.
//
// Transactions are optimistic: LockEscrow snapshots the row and its version,
// writes are staged on the snapshot, and commit fails with
// ErrConcurrentModification if another transaction committed a change to the
// same row in between. Conditional updates also check the committed version,
// so the loser of a race sees zero affected rows.
type MemoryStore struct {
	mu          sync.RWMutex
	escrows     map[int64]*memoryRow
	byProject   map[int64]int64
	transitions []*Transition
	projects    map[int64]*memoryProject
	users       map[int64]*memoryUser
	nextEscrow  int64
	nextLog     int64
}

type memoryRow struct {
	escrow  Escrow
	version uint64
}

type memoryProject struct {
	title     string
	status    ProjectStatus
	writes    int
	updatedAt time.Time
}

type memoryUser struct {
	name          string
	payoutAccount string
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:   make(map[int64]*memoryRow),
		byProject: make(map[int64]int64),
		projects:  make(map[int64]*memoryProject),
		users:     make(map[int64]*memoryUser),
	}
}

// AddUser registers a user with an optional connected payout account.
func (m *MemoryStore) AddUser(id int64, name, payoutAccount string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = &memoryUser{name: name, payoutAccount: payoutAccount}
}

// AddProject registers a project.
func (m *MemoryStore) AddProject(id int64, title string, status ProjectStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[id] = &memoryProject{title: title, status: status}
}

// ProjectStatus returns a project's current status.
func (m *MemoryStore) ProjectStatus(id int64) (ProjectStatus, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return "", false
	}
	return p.status, true
}

// ProjectWrites returns how many times a project's status was written.
func (m *MemoryStore) ProjectWrites(id int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.projects[id]; ok {
		return p.writes
	}
	return 0
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byProject[e.ProjectID]; exists {
		return ErrEscrowExists
	}
	m.nextEscrow++
	e.ID = m.nextEscrow
	m.escrows[e.ID] = &memoryRow{escrow: cloneEscrow(e), version: 1}
	m.byProject[e.ProjectID] = e.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	e := cloneEscrow(&row.escrow)
	return &e, nil
}

func (m *MemoryStore) GetState(ctx context.Context, id int64) (*EscrowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	st := &EscrowState{Escrow: cloneEscrow(&row.escrow)}
	if p, ok := m.projects[row.escrow.ProjectID]; ok {
		st.ProjectTitle = p.title
		st.ProjectStatus = p.status
	}
	if u, ok := m.users[row.escrow.BuyerID]; ok {
		st.BuyerName = u.name
	}
	if u, ok := m.users[row.escrow.SellerID]; ok {
		st.SellerName = u.name
	}
	return st, nil
}

func (m *MemoryStore) ListTransitions(ctx context.Context, escrowID int64) ([]*Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transition
	for _, t := range m.transitions {
		if t.EscrowID != escrowID {
			continue
		}
		cp := *t
		cp.Metadata = cloneMetadata(t.Metadata)
		if t.UserID != nil {
			if u, ok := m.users[*t.UserID]; ok {
				cp.UserName = u.name
			}
		}
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (m *MemoryStore) PayoutAccount(ctx context.Context, userID int64) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[userID]; ok {
		return u.payoutAccount, nil
	}
	return "", nil
}

func (m *MemoryStore) SetPayoutID(ctx context.Context, id int64, payoutID string) error {
	return m.setReference(id, func(e *Escrow) { e.StripePayoutID = payoutID })
}

func (m *MemoryStore) SetRefundID(ctx context.Context, id int64, refundID string) error {
	return m.setReference(id, func(e *Escrow) { e.StripeRefundID = refundID })
}

func (m *MemoryStore) setReference(id int64, set func(e *Escrow)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.escrows[id]
	if !ok {
		return ErrEscrowNotFound
	}
	set(&row.escrow)
	row.escrow.UpdatedAt = time.Now()
	row.version++
	return nil
}

// WithTx stages fn's writes and commits them atomically.
func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{
		store:    m,
		staged:   make(map[int64]*stagedRow),
		projects: make(map[int64]ProjectStatus),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

type stagedRow struct {
	escrow  Escrow
	version uint64 // committed version observed at lock time
	dirty   bool
}

type memoryTx struct {
	store       *MemoryStore
	staged      map[int64]*stagedRow
	transitions []*Transition
	projects    map[int64]ProjectStatus
}

func (tx *memoryTx) LockEscrow(ctx context.Context, id int64) (*Escrow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s, ok := tx.staged[id]; ok {
		e := cloneEscrow(&s.escrow)
		return &e, nil
	}

	tx.store.mu.RLock()
	row, ok := tx.store.escrows[id]
	if !ok {
		tx.store.mu.RUnlock()
		return nil, ErrEscrowNotFound
	}
	s := &stagedRow{escrow: cloneEscrow(&row.escrow), version: row.version}
	tx.store.mu.RUnlock()

	tx.staged[id] = s
	e := cloneEscrow(&s.escrow)
	return &e, nil
}

// current returns the staged row if its committed version is unchanged.
func (tx *memoryTx) current(id int64) (*stagedRow, bool) {
	s, ok := tx.staged[id]
	if !ok {
		return nil, false
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	row, ok := tx.store.escrows[id]
	if !ok || row.version != s.version {
		return nil, false
	}
	return s, true
}

func (tx *memoryTx) UpdateStatus(ctx context.Context, ch StatusChange) (int64, error) {
	s, ok := tx.current(ch.EscrowID)
	if !ok || s.escrow.Status != ch.From {
		return 0, nil
	}
	s.escrow.Status = ch.To
	s.escrow.UpdatedAt = ch.At
	if ch.FundedAt != nil {
		t := *ch.FundedAt
		s.escrow.FundedAt = &t
	}
	if ch.ReleasedAt != nil {
		t := *ch.ReleasedAt
		s.escrow.ReleasedAt = &t
	}
	s.dirty = true
	return 1, nil
}

func (tx *memoryTx) UpdatePaymentStatus(ctx context.Context, ch PaymentChange) (int64, error) {
	s, ok := tx.current(ch.EscrowID)
	if !ok || s.escrow.PaymentStatus != ch.From {
		return 0, nil
	}
	s.escrow.PaymentStatus = ch.To
	s.escrow.UpdatedAt = ch.At
	if ch.PaymentIntentID != "" {
		s.escrow.StripePaymentIntentID = ch.PaymentIntentID
	}
	s.dirty = true
	return 1, nil
}

func (tx *memoryTx) InsertTransition(ctx context.Context, t *Transition) error {
	cp := *t
	cp.Metadata = cloneMetadata(t.Metadata)
	tx.transitions = append(tx.transitions, &cp)
	return nil
}

func (tx *memoryTx) SyncProjectStatus(ctx context.Context, projectID int64, status ProjectStatus) (bool, error) {
	if staged, ok := tx.projects[projectID]; ok {
		if staged == status {
			return false, nil
		}
		tx.projects[projectID] = status
		return true, nil
	}

	tx.store.mu.RLock()
	p, ok := tx.store.projects[projectID]
	tx.store.mu.RUnlock()
	if ok && p.status == status {
		return false, nil
	}
	tx.projects[projectID] = status
	return true, nil
}

func (tx *memoryTx) commit() error {
	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, s := range tx.staged {
		if !s.dirty {
			continue
		}
		row, ok := m.escrows[id]
		if !ok {
			return ErrEscrowNotFound
		}
		if row.version != s.version {
			return ErrConcurrentModification
		}
	}

	now := time.Now()
	for id, s := range tx.staged {
		if !s.dirty {
			continue
		}
		row := m.escrows[id]
		row.escrow = s.escrow
		row.version++
	}
	for _, t := range tx.transitions {
		m.nextLog++
		t.ID = m.nextLog
		m.transitions = append(m.transitions, t)
	}
	for id, status := range tx.projects {
		p, ok := m.projects[id]
		if !ok {
			p = &memoryProject{}
			m.projects[id] = p
		}
		if p.status == status {
			continue
		}
		p.status = status
		p.writes++
		p.updatedAt = now
	}
	return nil
}

func cloneEscrow(e *Escrow) Escrow {
	cp := *e
	cp.WorkDeliveredAt = cloneTime(e.WorkDeliveredAt)
	cp.BuyerApprovedAt = cloneTime(e.BuyerApprovedAt)
	cp.FundedAt = cloneTime(e.FundedAt)
	cp.ReleasedAt = cloneTime(e.ReleasedAt)
	cp.HeldAt = cloneTime(e.HeldAt)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneMetadata(md map[string]any) map[string]any {
	if md == nil {
		return nil
	}
	cp := make(map[string]any, len(md))
	for k, v := range md {
		cp[k] = v
	}
	return cp
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
