package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vnmchuo/credit-gateway/internal/credits"
)

// ZeroAllocationPolicy decides how an organization member with no explicit
// allocation is billed.
type ZeroAllocationPolicy string

const (
	// ZeroAllocationPool bills the shared pool without per-member accounting.
	ZeroAllocationPool ZeroAllocationPolicy = "pool"
	// ZeroAllocationReject refuses the request at precheck.
	ZeroAllocationReject ZeroAllocationPolicy = "reject"
)

// Precheck reasons.
const (
	ReasonOK              = "ok"
	ReasonInsufficient    = "insufficient_balance"
	ReasonPoolExhausted   = "pool_exhausted"
	ReasonNoAllocation    = "no_allocation"
	ReasonMonthlyCap      = "monthly_cap_reached"
	ReasonAccountNotFound = "account_not_found"
)

type Ledger struct {
	store  BalanceStore
	policy ZeroAllocationPolicy
	now    func() time.Time
}

func NewLedger(store BalanceStore, policy ZeroAllocationPolicy) *Ledger {
	if policy == "" {
		policy = ZeroAllocationPool
	}
	return &Ledger{
		store:  store,
		policy: policy,
		now:    time.Now,
	}
}

// ResolveTarget decides once per request which pool pays for it.
func (l *Ledger) ResolveTarget(ctx context.Context, accountID, orgID string) (Target, error) {
	if orgID == "" {
		return Individual{AccountID: accountID}, nil
	}

	if _, err := l.store.GetPool(ctx, orgID); err != nil {
		if errors.Is(err, ErrPoolNotFound) {
			// the organization does not bill through credits
			return Individual{AccountID: accountID}, nil
		}
		return nil, fmt.Errorf("failed to resolve pool: %w", err)
	}

	alloc, err := l.store.GetAllocation(ctx, orgID, accountID)
	if err != nil && !errors.Is(err, ErrAllocationNotFound) {
		return nil, fmt.Errorf("failed to resolve allocation: %w", err)
	}
	if alloc != nil && alloc.Allocated > 0 {
		return Organization{OrgID: orgID, AccountID: accountID, Allocation: alloc}, nil
	}

	if l.policy == ZeroAllocationReject {
		return Organization{OrgID: orgID, AccountID: accountID, Unallocated: true}, nil
	}
	return Organization{OrgID: orgID, AccountID: accountID}, nil
}

// Precheck estimates whether target can cover estimate. It is advisory: it
// holds nothing, and concurrent requests may all pass against a thin balance.
func (l *Ledger) Precheck(ctx context.Context, target Target, estimate credits.Amount) (Decision, error) {
	switch t := target.(type) {
	case Individual:
		return l.precheckIndividual(ctx, t, estimate)
	case Organization:
		return l.precheckOrganization(ctx, t, estimate)
	default:
		return Decision{}, ErrNoTarget
	}
}

func (l *Ledger) precheckIndividual(ctx context.Context, t Individual, estimate credits.Amount) (Decision, error) {
	acct, err := l.store.GetAccount(ctx, t.AccountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return insufficient(estimate, 0, ReasonAccountNotFound), nil
		}
		return Decision{}, fmt.Errorf("failed to load account: %w", err)
	}

	if estimate > acct.Balance {
		return insufficient(estimate, acct.Balance, ReasonInsufficient), nil
	}

	if acct.MonthlyCap != nil {
		spent, err := l.store.SpentSince(ctx, acct.ID, monthStart(l.now()))
		if err != nil {
			return Decision{}, fmt.Errorf("failed to load monthly spend: %w", err)
		}
		headroom := *acct.MonthlyCap - spent
		if estimate > headroom {
			return insufficient(estimate, credits.Min(headroom, acct.Balance), ReasonMonthlyCap), nil
		}
	}

	return Decision{Sufficient: true, Estimate: estimate, Available: acct.Balance, Reason: ReasonOK}, nil
}

func (l *Ledger) precheckOrganization(ctx context.Context, t Organization, estimate credits.Amount) (Decision, error) {
	if t.Unallocated {
		return insufficient(estimate, 0, ReasonNoAllocation), nil
	}

	pool, err := l.store.GetPool(ctx, t.OrgID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load pool: %w", err)
	}

	available := pool.Available()
	reason := ReasonPoolExhausted
	if t.Allocation != nil && t.Allocation.Remaining() < available {
		available = t.Allocation.Remaining()
		reason = ReasonInsufficient
	}
	if estimate > available {
		return insufficient(estimate, available, reason), nil
	}
	return Decision{Sufficient: true, Estimate: estimate, Available: available, Reason: ReasonOK}, nil
}

func insufficient(estimate, available credits.Amount, reason string) Decision {
	if available < 0 {
		available = 0
	}
	return Decision{
		Sufficient: false,
		Estimate:   estimate,
		Available:  available,
		Shortfall:  estimate - available,
		Reason:     reason,
	}
}

// Adjust applies a signed delta as one conditional update plus one ledger
// entry and returns the post-mutation balance of the target's pool.
func (l *Ledger) Adjust(ctx context.Context, adj Adjustment) (credits.Amount, error) {
	if adj.Target == nil {
		return 0, ErrNoTarget
	}
	if adj.Delta == 0 {
		return 0, ErrZeroDelta
	}
	if adj.Reason == "" {
		if adj.Delta < 0 {
			adj.Reason = ReasonUsageCharge
		} else {
			adj.Reason = ReasonGrant
		}
	}
	return l.store.Adjust(ctx, adj)
}

// Balance returns the current balance of the target's pool.
func (l *Ledger) Balance(ctx context.Context, target Target) (credits.Amount, error) {
	switch t := target.(type) {
	case Individual:
		acct, err := l.store.GetAccount(ctx, t.AccountID)
		if err != nil {
			return 0, err
		}
		return acct.Balance, nil
	case Organization:
		pool, err := l.store.GetPool(ctx, t.OrgID)
		if err != nil {
			return 0, err
		}
		return pool.Available(), nil
	default:
		return 0, ErrNoTarget
	}
}

// Replay rebuilds the target's balance from its ledger history.
func (l *Ledger) Replay(ctx context.Context, target Target) (credits.Amount, error) {
	entries, err := l.store.Entries(ctx, target)
	if err != nil {
		return 0, err
	}
	var sum credits.Amount
	for _, e := range entries {
		sum += e.Delta
	}
	return sum, nil
}

func monthStart(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}
