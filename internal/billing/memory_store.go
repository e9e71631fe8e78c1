package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/credit-gateway/internal/credits"
)

// MemoryStore is a single-process Store. The mutex plays the role of the
// database's transaction serialization: every Adjust and Settle checks its
// balance condition and mutates under one critical section.
type MemoryStore struct {
	mu          sync.Mutex
	accounts    map[string]*Account
	pools       map[string]*Pool
	allocations map[allocationKey]*Allocation
	entries     []*LedgerEntry
	usage       []*UsageRecord
	byRequest   map[string]*UsageRecord
	now         func() time.Time
}

type allocationKey struct {
	orgID, accountID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:    make(map[string]*Account),
		pools:       make(map[string]*Pool),
		allocations: make(map[allocationKey]*Allocation),
		byRequest:   make(map[string]*UsageRecord),
		now:         time.Now,
	}
}

func (m *MemoryStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	val := *a
	return &val, nil
}

func (m *MemoryStore) GetPool(ctx context.Context, orgID string) (*Pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pools[orgID]
	if !ok {
		return nil, ErrPoolNotFound
	}
	val := *p
	return &val, nil
}

func (m *MemoryStore) GetAllocation(ctx context.Context, orgID, accountID string) (*Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.allocations[allocationKey{orgID, accountID}]
	if !ok {
		return nil, ErrAllocationNotFound
	}
	val := *a
	return &val, nil
}

func (m *MemoryStore) SpentSince(ctx context.Context, accountID string, since time.Time) (credits.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total credits.Amount
	for _, r := range m.usage {
		if r.AccountID == accountID && r.OrgID == "" && !r.CreatedAt.Before(since) {
			total += r.CreditsCharged
		}
	}
	return total, nil
}

func (m *MemoryStore) Adjust(ctx context.Context, adj Adjustment) (credits.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remaining, err := m.applyLocked(adj.Target, adj.Delta)
	if err != nil {
		return 0, err
	}
	m.appendEntryLocked(adj.Target, adj.Delta, adj.Reason, adj.RequestID)
	return remaining, nil
}

func (m *MemoryStore) Settle(ctx context.Context, st Settlement) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := st.Record
	if _, dup := m.byRequest[rec.RequestID]; dup {
		return &Receipt{RequestID: rec.RequestID, Duplicate: true}, nil
	}

	var (
		remaining credits.Amount
		err       error
	)
	if st.Charge == 0 {
		remaining, err = m.balanceLocked(st.Target)
	} else {
		remaining, err = m.applyLocked(st.Target, st.Charge.Neg())
	}
	if err != nil {
		return nil, err
	}
	if st.Charge != 0 {
		m.appendEntryLocked(st.Target, st.Charge.Neg(), ReasonUsageCharge, rec.RequestID)
	}

	stored := *rec
	stored.ID = uuid.New().String()
	stored.CreditsCharged = st.Charge
	stored.CreatedAt = m.now().UTC()
	m.usage = append(m.usage, &stored)
	m.byRequest[stored.RequestID] = &stored

	rec.ID = stored.ID
	rec.CreatedAt = stored.CreatedAt

	return &Receipt{
		RequestID: rec.RequestID,
		UsageID:   stored.ID,
		Charged:   st.Charge,
		Remaining: remaining,
	}, nil
}

// applyLocked checks the balance condition and mutates in one step, the
// in-process equivalent of "UPDATE ... WHERE balance >= d".
func (m *MemoryStore) applyLocked(target Target, delta credits.Amount) (credits.Amount, error) {
	switch t := target.(type) {
	case Individual:
		a, ok := m.accounts[t.AccountID]
		if !ok {
			return 0, ErrAccountNotFound
		}
		if delta < 0 && a.Balance < delta.Neg() {
			return 0, credits.ErrInsufficientBalance
		}
		a.Balance += delta
		if delta < 0 {
			a.TotalSpent += delta.Neg()
		}
		return a.Balance, nil
	case Organization:
		p, ok := m.pools[t.OrgID]
		if !ok {
			return 0, ErrPoolNotFound
		}
		if delta >= 0 {
			p.TotalAllocated += delta
			return p.Available(), nil
		}
		amount := delta.Neg()
		if p.Available() < amount {
			return 0, credits.ErrInsufficientBalance
		}
		var alloc *Allocation
		if t.Allocation != nil {
			alloc = m.allocations[allocationKey{t.OrgID, t.AccountID}]
			if alloc == nil || alloc.Remaining() < amount {
				return 0, credits.ErrInsufficientBalance
			}
		}
		p.TotalUsed += amount
		if alloc != nil {
			alloc.Used += amount
		}
		return p.Available(), nil
	default:
		return 0, ErrNoTarget
	}
}

func (m *MemoryStore) balanceLocked(target Target) (credits.Amount, error) {
	switch t := target.(type) {
	case Individual:
		a, ok := m.accounts[t.AccountID]
		if !ok {
			return 0, ErrAccountNotFound
		}
		return a.Balance, nil
	case Organization:
		p, ok := m.pools[t.OrgID]
		if !ok {
			return 0, ErrPoolNotFound
		}
		return p.Available(), nil
	default:
		return 0, ErrNoTarget
	}
}

func (m *MemoryStore) appendEntryLocked(target Target, delta credits.Amount, reason, requestID string) {
	m.entries = append(m.entries, &LedgerEntry{
		ID:        uuid.New().String(),
		AccountID: target.Account(),
		OrgID:     target.Org(),
		Delta:     delta,
		Reason:    reason,
		RequestID: requestID,
		CreatedAt: m.now().UTC(),
	})
}

func (m *MemoryStore) Entries(ctx context.Context, target Target) ([]*LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*LedgerEntry
	for _, e := range m.entries {
		switch t := target.(type) {
		case Individual:
			if e.OrgID == "" && e.AccountID == t.AccountID {
				val := *e
				out = append(out, &val)
			}
		case Organization:
			if e.OrgID == t.OrgID {
				val := *e
				out = append(out, &val)
			}
		default:
			return nil, ErrNoTarget
		}
	}
	return out, nil
}

func (m *MemoryStore) GetUsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*UsageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*UsageRecord
	for _, r := range m.usage {
		if r.AccountID == accountID && !r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			val := *r
			out = append(out, &val)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetTotalChargedByAccount(ctx context.Context, accountID string, from, to time.Time) (credits.Amount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total credits.Amount
	for _, r := range m.usage {
		if r.AccountID == accountID && !r.CreatedAt.Before(from) && !r.CreatedAt.After(to) {
			total += r.CreditsCharged
		}
	}
	return total, nil
}

func (m *MemoryStore) EnsureAccount(ctx context.Context, accountID string, monthlyCap *credits.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		m.accounts[accountID] = &Account{ID: accountID, MonthlyCap: monthlyCap}
	}
	return nil
}

func (m *MemoryStore) EnsurePool(ctx context.Context, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pools[orgID]; !ok {
		m.pools[orgID] = &Pool{OrgID: orgID}
	}
	return nil
}

func (m *MemoryStore) SetAllocation(ctx context.Context, orgID, accountID string, allocated credits.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := allocationKey{orgID, accountID}
	if a, ok := m.allocations[key]; ok {
		a.Allocated = allocated
		return nil
	}
	m.allocations[key] = &Allocation{OrgID: orgID, AccountID: accountID, Allocated: allocated}
	return nil
}

var _ Store = (*MemoryStore)(nil)
