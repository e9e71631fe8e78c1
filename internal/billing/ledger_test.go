package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/credit-gateway/internal/credits"
)

func fundAccount(t *testing.T, store *MemoryStore, accountID, balance string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsureAccount(ctx, accountID, nil))
	_, err := NewLedger(store, ZeroAllocationPool).Adjust(ctx, Adjustment{
		Target: Individual{AccountID: accountID},
		Delta:  credits.MustParse(balance),
		Reason: ReasonGrant,
	})
	require.NoError(t, err)
}

func fundPool(t *testing.T, store *MemoryStore, orgID, balance string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.EnsurePool(ctx, orgID))
	_, err := store.Adjust(ctx, Adjustment{
		Target: Organization{OrgID: orgID},
		Delta:  credits.MustParse(balance),
		Reason: ReasonGrant,
	})
	require.NoError(t, err)
}

func TestResolveTarget(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fundAccount(t, store, "alice", "10")
	fundPool(t, store, "acme", "100")
	require.NoError(t, store.SetAllocation(ctx, "acme", "alice", credits.MustParse("25")))

	ledger := NewLedger(store, ZeroAllocationPool)

	t.Run("no organization", func(t *testing.T) {
		target, err := ledger.ResolveTarget(ctx, "alice", "")
		require.NoError(t, err)
		assert.Equal(t, Individual{AccountID: "alice"}, target)
	})

	t.Run("organization without pool", func(t *testing.T) {
		target, err := ledger.ResolveTarget(ctx, "alice", "no-credits-org")
		require.NoError(t, err)
		assert.Equal(t, Individual{AccountID: "alice"}, target)
	})

	t.Run("member with allocation", func(t *testing.T) {
		target, err := ledger.ResolveTarget(ctx, "alice", "acme")
		require.NoError(t, err)
		org, ok := target.(Organization)
		require.True(t, ok)
		require.NotNil(t, org.Allocation)
		assert.Equal(t, credits.MustParse("25"), org.Allocation.Allocated)
		assert.True(t, IsOrg(target))
	})

	t.Run("member without allocation falls back to pool", func(t *testing.T) {
		target, err := ledger.ResolveTarget(ctx, "bob", "acme")
		require.NoError(t, err)
		assert.Equal(t, Organization{OrgID: "acme", AccountID: "bob"}, target)
	})

	t.Run("member without allocation under reject policy", func(t *testing.T) {
		strict := NewLedger(store, ZeroAllocationReject)
		target, err := strict.ResolveTarget(ctx, "bob", "acme")
		require.NoError(t, err)
		assert.Equal(t, Organization{OrgID: "acme", AccountID: "bob", Unallocated: true}, target)

		d, err := strict.Precheck(ctx, target, credits.MustParse("1"))
		require.NoError(t, err)
		assert.False(t, d.Sufficient)
		assert.Equal(t, ReasonNoAllocation, d.Reason)
	})
}

func TestPrecheck_Individual(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fundAccount(t, store, "alice", "50")
	ledger := NewLedger(store, ZeroAllocationPool)
	target := Individual{AccountID: "alice"}

	d, err := ledger.Precheck(ctx, target, credits.MustParse("9"))
	require.NoError(t, err)
	assert.True(t, d.Sufficient)
	assert.Equal(t, credits.MustParse("50"), d.Available)

	d, err = ledger.Precheck(ctx, target, credits.MustParse("60"))
	require.NoError(t, err)
	assert.False(t, d.Sufficient)
	assert.Equal(t, credits.MustParse("10"), d.Shortfall)
	assert.Equal(t, ReasonInsufficient, d.Reason)

	// precheck holds nothing
	balance, err := ledger.Balance(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("50"), balance)
}

func TestPrecheck_UnknownAccount(t *testing.T) {
	ledger := NewLedger(NewMemoryStore(), ZeroAllocationPool)

	d, err := ledger.Precheck(context.Background(), Individual{AccountID: "ghost"}, credits.MustParse("1"))
	require.NoError(t, err)
	assert.False(t, d.Sufficient)
	assert.Equal(t, ReasonAccountNotFound, d.Reason)
}

func TestPrecheck_MonthlyCap(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	limit := credits.MustParse("10")
	require.NoError(t, store.EnsureAccount(ctx, "capped", &limit))
	_, err := store.Adjust(ctx, Adjustment{Target: Individual{AccountID: "capped"}, Delta: credits.MustParse("500"), Reason: ReasonGrant})
	require.NoError(t, err)

	_, err = NewReconciler(store).Reconcile(ctx, Reconciliation{
		RequestID: "req-1",
		Target:    Individual{AccountID: "capped"},
		Charge:    credits.MustParse("8"),
	})
	require.NoError(t, err)

	ledger := NewLedger(store, ZeroAllocationPool)
	d, err := ledger.Precheck(ctx, Individual{AccountID: "capped"}, credits.MustParse("3"))
	require.NoError(t, err)
	assert.False(t, d.Sufficient)
	assert.Equal(t, ReasonMonthlyCap, d.Reason)
	assert.Equal(t, credits.MustParse("2"), d.Available)

	d, err = ledger.Precheck(ctx, Individual{AccountID: "capped"}, credits.MustParse("2"))
	require.NoError(t, err)
	assert.True(t, d.Sufficient)
}

func TestPrecheck_OrganizationPoolIgnoresPersonalBalance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fundAccount(t, store, "member", "500")
	fundPool(t, store, "acme", "3")
	require.NoError(t, store.SetAllocation(ctx, "acme", "member", credits.MustParse("100")))

	ledger := NewLedger(store, ZeroAllocationPool)
	target, err := ledger.ResolveTarget(ctx, "member", "acme")
	require.NoError(t, err)

	d, err := ledger.Precheck(ctx, target, credits.MustParse("9"))
	require.NoError(t, err)
	assert.False(t, d.Sufficient)
	assert.Equal(t, credits.MustParse("3"), d.Available)
	assert.Equal(t, credits.MustParse("6"), d.Shortfall)
	assert.Equal(t, ReasonPoolExhausted, d.Reason)
}

func TestPrecheck_OrganizationAllocationLimits(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fundPool(t, store, "acme", "1000")
	require.NoError(t, store.SetAllocation(ctx, "acme", "member", credits.MustParse("5")))

	ledger := NewLedger(store, ZeroAllocationPool)
	target, err := ledger.ResolveTarget(ctx, "member", "acme")
	require.NoError(t, err)

	d, err := ledger.Precheck(ctx, target, credits.MustParse("9"))
	require.NoError(t, err)
	assert.False(t, d.Sufficient)
	assert.Equal(t, credits.MustParse("5"), d.Available)
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fundAccount(t, store, "alice", "10")
	ledger := NewLedger(store, ZeroAllocationPool)
	target := Individual{AccountID: "alice"}

	remaining, err := ledger.Adjust(ctx, Adjustment{Target: target, Delta: credits.MustParse("-4"), RequestID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("6"), remaining)

	_, err = ledger.Adjust(ctx, Adjustment{Target: target, Delta: credits.MustParse("-6.001")})
	assert.ErrorIs(t, err, credits.ErrInsufficientBalance)

	_, err = ledger.Adjust(ctx, Adjustment{Target: target, Delta: 0})
	assert.ErrorIs(t, err, ErrZeroDelta)

	_, err = ledger.Adjust(ctx, Adjustment{Delta: 1})
	assert.ErrorIs(t, err, ErrNoTarget)

	_, err = ledger.Adjust(ctx, Adjustment{Target: Individual{AccountID: "ghost"}, Delta: -1})
	assert.ErrorIs(t, err, ErrAccountNotFound)

	balance, err := ledger.Balance(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("6"), balance)

	entries, err := store.Entries(ctx, target)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ReasonGrant, entries[0].Reason)
	assert.Equal(t, ReasonUsageCharge, entries[1].Reason)
}

func TestReplayMatchesBalance(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	fundAccount(t, store, "alice", "20")
	fundPool(t, store, "acme", "40")

	ledger := NewLedger(store, ZeroAllocationPool)
	reconciler := NewReconciler(store)
	alice := Individual{AccountID: "alice"}
	acme := Organization{OrgID: "acme", AccountID: "bob"}

	for i, charge := range []string{"1.5", "2.25", "0.001"} {
		_, err := reconciler.Reconcile(ctx, Reconciliation{RequestID: "a" + string(rune('0'+i)), Target: alice, Charge: credits.MustParse(charge)})
		require.NoError(t, err)
		_, err = reconciler.Reconcile(ctx, Reconciliation{RequestID: "o" + string(rune('0'+i)), Target: acme, Charge: credits.MustParse(charge)})
		require.NoError(t, err)
	}
	_, err := ledger.Adjust(ctx, Adjustment{Target: alice, Delta: credits.MustParse("1"), Reason: ReasonRefund})
	require.NoError(t, err)

	for _, target := range []Target{alice, acme} {
		balance, err := ledger.Balance(ctx, target)
		require.NoError(t, err)
		replayed, err := ledger.Replay(ctx, target)
		require.NoError(t, err)
		assert.Equal(t, balance, replayed)
	}
}

func TestLedger_StoreFailuresPropagate(t *testing.T) {
	boom := errors.New("connection reset")
	ledger := NewLedger(&failingStore{err: boom}, ZeroAllocationPool)
	ctx := context.Background()

	_, err := ledger.ResolveTarget(ctx, "alice", "acme")
	assert.ErrorIs(t, err, boom)

	_, err = ledger.Precheck(ctx, Individual{AccountID: "alice"}, 1)
	assert.ErrorIs(t, err, boom)
}

type failingStore struct {
	MemoryStore
	err error
}

func (f *failingStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return nil, f.err
}

func (f *failingStore) GetPool(ctx context.Context, orgID string) (*Pool, error) {
	return nil, f.err
}

func (f *failingStore) SpentSince(ctx context.Context, accountID string, since time.Time) (credits.Amount, error) {
	return 0, f.err
}
