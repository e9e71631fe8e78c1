package billing

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/credit-gateway/internal/credits"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPostgresStore(mock)
}

func TestPostgresStore_SettleDebitsWithConditionalUpdate(t *testing.T) {
	mock, store := newMockStore(t)
	createdAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_records")).
		WithArgs("req-1", "alice", pgxmock.AnyArg(), int64(7200), "openai", "gpt-4o-mini", 1200, 300, 0, SourceProviderUsage, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow("9f1c", createdAt))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND balance >= $2")).
		WithArgs("alice", int64(7200)).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(42800)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs("alice", pgxmock.AnyArg(), int64(-7200), ReasonUsageCharge, "req-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	receipt, err := store.Settle(context.Background(), Settlement{
		Target: Individual{AccountID: "alice"},
		Charge: credits.MustParse("7.2"),
		Record: &UsageRecord{
			RequestID:    "req-1",
			AccountID:    "alice",
			Service:      "openai",
			Model:        "gpt-4o-mini",
			InputTokens:  1200,
			OutputTokens: 300,
			Source:       SourceProviderUsage,
			Metadata:     map[string]any{"source": SourceProviderUsage},
		},
	})
	require.NoError(t, err)
	assert.False(t, receipt.Duplicate)
	assert.Equal(t, "9f1c", receipt.UsageID)
	assert.Equal(t, credits.MustParse("42.8"), receipt.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SettleDuplicateRollsBack(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (request_id) DO NOTHING")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}))
	mock.ExpectRollback()

	receipt, err := store.Settle(context.Background(), Settlement{
		Target: Individual{AccountID: "alice"},
		Charge: credits.MustParse("7.2"),
		Record: &UsageRecord{RequestID: "req-1", AccountID: "alice"},
	})
	require.NoError(t, err)
	assert.True(t, receipt.Duplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SettleInsufficientBalance(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_records")).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow("9f1c", time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts")).
		WithArgs("alice", int64(2000)).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM accounts")).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := store.Settle(context.Background(), Settlement{
		Target: Individual{AccountID: "alice"},
		Charge: credits.MustParse("2"),
		Record: &UsageRecord{RequestID: "req-2", AccountID: "alice"},
	})
	assert.ErrorIs(t, err, credits.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdjustMissingAccount(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE accounts")).
		WithArgs("ghost", int64(1000)).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM accounts")).
		WithArgs("ghost").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := store.Adjust(context.Background(), Adjustment{
		Target: Individual{AccountID: "ghost"},
		Delta:  credits.MustParse("-1"),
		Reason: ReasonUsageCharge,
	})
	assert.ErrorIs(t, err, ErrAccountNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AdjustOrganizationDebitsAllocation(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_pools")).
		WithArgs("acme", int64(6000)).
		WillReturnRows(pgxmock.NewRows([]string{"available"}).AddRow(int64(94000)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE org_allocations")).
		WithArgs("acme", "member", int64(6000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs("member", "acme", int64(-6000), ReasonUsageCharge, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	remaining, err := store.Adjust(context.Background(), Adjustment{
		Target: Organization{
			OrgID:      "acme",
			AccountID:  "member",
			Allocation: &Allocation{OrgID: "acme", AccountID: "member", Allocated: credits.MustParse("10")},
		},
		Delta:  credits.MustParse("-6"),
		Reason: ReasonUsageCharge,
	})
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("94"), remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AllocationExhaustedRollsBackPoolDebit(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credit_pools")).
		WithArgs("acme", int64(5000)).
		WillReturnRows(pgxmock.NewRows([]string{"available"}).AddRow(int64(89000)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE org_allocations")).
		WithArgs("acme", "member", int64(5000)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	_, err := store.Adjust(context.Background(), Adjustment{
		Target: Organization{
			OrgID:      "acme",
			AccountID:  "member",
			Allocation: &Allocation{OrgID: "acme", AccountID: "member", Allocated: credits.MustParse("10")},
		},
		Delta: credits.MustParse("-5"),
	})
	assert.ErrorIs(t, err, credits.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_BeginFailure(t *testing.T) {
	mock, store := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("pool closed"))

	_, err := store.Adjust(context.Background(), Adjustment{Target: Individual{AccountID: "alice"}, Delta: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPool(t *testing.T) {
	mock, store := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_pools WHERE org_id = $1")).
		WithArgs("acme").
		WillReturnRows(pgxmock.NewRows([]string{"org_id", "total_allocated", "total_used"}).AddRow("acme", int64(100000), int64(97000)))
	mock.ExpectQuery(regexp.QuoteMeta("FROM credit_pools WHERE org_id = $1")).
		WithArgs("nobody").
		WillReturnRows(pgxmock.NewRows([]string{"org_id", "total_allocated", "total_used"}))

	pool, err := store.GetPool(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("3"), pool.Available())

	_, err = store.GetPool(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrPoolNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetTotalChargedByAccount(t *testing.T) {
	mock, store := newMockStore(t)
	from := time.Now().Add(-24 * time.Hour)
	to := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(credits_charged), 0)")).
		WithArgs("alice", from, to).
		WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(16200)))

	total, err := store.GetTotalChargedByAccount(context.Background(), "alice", from, to)
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("16.2"), total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Two settlements race for a 5 credit balance. The first debit wins; by the
// time the second runs the conditional update matches no row, so it is
// refused and its usage record insert is rolled back.
func TestPostgresStore_ConcurrentDebitCannotOverdraw(t *testing.T) {
	mock, store := newMockStore(t)
	reconciler := NewReconciler(store)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_records")).
		WithArgs("req-a", "alice", pgxmock.AnyArg(), int64(3000), pgxmock.AnyArg(), pgxmock.AnyArg(), 0, 0, 0, SourceProviderUsage, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow("u-a", time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND balance >= $2")).
		WithArgs("alice", int64(3000)).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}).AddRow(int64(2000)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_entries")).
		WithArgs("alice", pgxmock.AnyArg(), int64(-3000), ReasonUsageCharge, "req-a").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO usage_records")).
		WithArgs("req-b", "alice", pgxmock.AnyArg(), int64(3000), pgxmock.AnyArg(), pgxmock.AnyArg(), 0, 0, 0, SourceProviderUsage, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow("u-b", time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE id = $1 AND balance >= $2")).
		WithArgs("alice", int64(3000)).
		WillReturnRows(pgxmock.NewRows([]string{"balance"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS(SELECT 1 FROM accounts")).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	charge := credits.MustParse("3")
	first, err := reconciler.Reconcile(context.Background(), Reconciliation{
		RequestID: "req-a",
		Target:    Individual{AccountID: "alice"},
		Charge:    charge,
	})
	require.NoError(t, err)
	assert.Equal(t, credits.MustParse("2"), first.Remaining)

	second, err := reconciler.Reconcile(context.Background(), Reconciliation{
		RequestID: "req-b",
		Target:    Individual{AccountID: "alice"},
		Charge:    charge,
	})
	assert.Nil(t, second)
	assert.ErrorIs(t, err, credits.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}
