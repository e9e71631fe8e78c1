package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vnmchuo/credit-gateway/internal/credits"
)

type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// querier is satisfied by both the pool and a pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

const (
	debitAccountSQL = `
		UPDATE accounts
		SET balance = balance - $2, total_spent = total_spent + $2, updated_at = NOW()
		WHERE id = $1 AND balance >= $2
		RETURNING balance
	`
	creditAccountSQL = `
		UPDATE accounts
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING balance
	`
	debitPoolSQL = `
		UPDATE credit_pools
		SET total_used = total_used + $2, updated_at = NOW()
		WHERE org_id = $1 AND total_allocated - total_used >= $2
		RETURNING total_allocated - total_used
	`
	creditPoolSQL = `
		UPDATE credit_pools
		SET total_allocated = total_allocated + $2, updated_at = NOW()
		WHERE org_id = $1
		RETURNING total_allocated - total_used
	`
	debitAllocationSQL = `
		UPDATE org_allocations
		SET used = used + $3, updated_at = NOW()
		WHERE org_id = $1 AND account_id = $2 AND allocated - used >= $3
	`
	insertEntrySQL = `
		INSERT INTO ledger_entries (account_id, org_id, delta, reason, request_id)
		VALUES ($1, $2, $3, $4, $5)
	`
	insertUsageSQL = `
		INSERT INTO usage_records (request_id, account_id, org_id, credits_charged, service, model, input_tokens, output_tokens, units, source, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING id::text, created_at
	`
	accountExistsSQL = `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`
	poolExistsSQL    = `SELECT EXISTS(SELECT 1 FROM credit_pools WHERE org_id = $1)`
)

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	return getAccount(ctx, s.db, accountID)
}

func getAccount(ctx context.Context, q querier, accountID string) (*Account, error) {
	query := `SELECT id, balance, total_spent, monthly_cap FROM accounts WHERE id = $1`

	var (
		a              Account
		balance, spent int64
		monthlyCap     *int64
	)
	err := q.QueryRow(ctx, query, accountID).Scan(&a.ID, &balance, &spent, &monthlyCap)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	a.Balance = credits.Amount(balance)
	a.TotalSpent = credits.Amount(spent)
	if monthlyCap != nil {
		c := credits.Amount(*monthlyCap)
		a.MonthlyCap = &c
	}
	return &a, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, orgID string) (*Pool, error) {
	return getPool(ctx, s.db, orgID)
}

func getPool(ctx context.Context, q querier, orgID string) (*Pool, error) {
	query := `SELECT org_id, total_allocated, total_used FROM credit_pools WHERE org_id = $1`

	var (
		p               Pool
		allocated, used int64
	)
	err := q.QueryRow(ctx, query, orgID).Scan(&p.OrgID, &allocated, &used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPoolNotFound
		}
		return nil, fmt.Errorf("failed to get credit pool: %w", err)
	}

	p.TotalAllocated = credits.Amount(allocated)
	p.TotalUsed = credits.Amount(used)
	return &p, nil
}

func (s *PostgresStore) GetAllocation(ctx context.Context, orgID, accountID string) (*Allocation, error) {
	query := `SELECT org_id, account_id, allocated, used FROM org_allocations WHERE org_id = $1 AND account_id = $2`

	var (
		a               Allocation
		allocated, used int64
	)
	err := s.db.QueryRow(ctx, query, orgID, accountID).Scan(&a.OrgID, &a.AccountID, &allocated, &used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAllocationNotFound
		}
		return nil, fmt.Errorf("failed to get allocation: %w", err)
	}

	a.Allocated = credits.Amount(allocated)
	a.Used = credits.Amount(used)
	return &a, nil
}

func (s *PostgresStore) SpentSince(ctx context.Context, accountID string, since time.Time) (credits.Amount, error) {
	query := `
		SELECT COALESCE(SUM(credits_charged), 0)
		FROM usage_records
		WHERE account_id = $1 AND org_id IS NULL AND created_at >= $2
	`
	var total int64
	if err := s.db.QueryRow(ctx, query, accountID, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to get spend: %w", err)
	}
	return credits.Amount(total), nil
}

// Adjust applies the delta and appends its ledger entry in one transaction.
func (s *PostgresStore) Adjust(ctx context.Context, adj Adjustment) (credits.Amount, error) {
	var remaining credits.Amount
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		remaining, err = applyDelta(ctx, tx, adj.Target, adj.Delta)
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, adj.Target, adj.Delta, adj.Reason, adj.RequestID)
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// Settle claims the request id with the usage record insert, then debits.
// A conflicting request id rolls the transaction back untouched.
func (s *PostgresStore) Settle(ctx context.Context, st Settlement) (*Receipt, error) {
	rec := st.Record
	receipt := &Receipt{RequestID: rec.RequestID, Charged: st.Charge}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, insertUsageSQL,
			rec.RequestID, rec.AccountID, nullable(rec.OrgID), st.Charge.Millis(),
			rec.Service, rec.Model, rec.InputTokens, rec.OutputTokens, rec.Units,
			rec.Source, rec.Metadata,
		).Scan(&rec.ID, &rec.CreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrAlreadyReconciled
			}
			return fmt.Errorf("failed to insert usage record: %w", err)
		}
		receipt.UsageID = rec.ID

		if st.Charge == 0 {
			receipt.Remaining, err = balanceOf(ctx, tx, st.Target)
			return err
		}

		receipt.Remaining, err = applyDelta(ctx, tx, st.Target, st.Charge.Neg())
		if err != nil {
			return err
		}
		return insertEntry(ctx, tx, st.Target, st.Charge.Neg(), ReasonUsageCharge, rec.RequestID)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyReconciled) {
			return &Receipt{RequestID: rec.RequestID, Duplicate: true}, nil
		}
		return nil, err
	}
	return receipt, nil
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func applyDelta(ctx context.Context, q querier, target Target, delta credits.Amount) (credits.Amount, error) {
	switch t := target.(type) {
	case Individual:
		if delta < 0 {
			return debitAccount(ctx, q, t.AccountID, delta.Neg())
		}
		return creditAccount(ctx, q, t.AccountID, delta)
	case Organization:
		if delta < 0 {
			return debitOrganization(ctx, q, t, delta.Neg())
		}
		return creditPool(ctx, q, t.OrgID, delta)
	default:
		return 0, ErrNoTarget
	}
}

func debitAccount(ctx context.Context, q querier, accountID string, amount credits.Amount) (credits.Amount, error) {
	var balance int64
	err := q.QueryRow(ctx, debitAccountSQL, accountID, amount.Millis()).Scan(&balance)
	if err == nil {
		return credits.Amount(balance), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to debit account: %w", err)
	}
	return 0, conditionFailed(ctx, q, accountExistsSQL, accountID, ErrAccountNotFound)
}

func creditAccount(ctx context.Context, q querier, accountID string, amount credits.Amount) (credits.Amount, error) {
	var balance int64
	err := q.QueryRow(ctx, creditAccountSQL, accountID, amount.Millis()).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("failed to credit account: %w", err)
	}
	return credits.Amount(balance), nil
}

func debitOrganization(ctx context.Context, q querier, t Organization, amount credits.Amount) (credits.Amount, error) {
	var available int64
	err := q.QueryRow(ctx, debitPoolSQL, t.OrgID, amount.Millis()).Scan(&available)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("failed to debit credit pool: %w", err)
		}
		return 0, conditionFailed(ctx, q, poolExistsSQL, t.OrgID, ErrPoolNotFound)
	}

	if t.Allocation != nil {
		tag, err := q.Exec(ctx, debitAllocationSQL, t.OrgID, t.AccountID, amount.Millis())
		if err != nil {
			return 0, fmt.Errorf("failed to debit allocation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return 0, fmt.Errorf("allocation for %s: %w", t.AccountID, credits.ErrInsufficientBalance)
		}
	}
	return credits.Amount(available), nil
}

func creditPool(ctx context.Context, q querier, orgID string, amount credits.Amount) (credits.Amount, error) {
	var available int64
	err := q.QueryRow(ctx, creditPoolSQL, orgID, amount.Millis()).Scan(&available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrPoolNotFound
		}
		return 0, fmt.Errorf("failed to credit pool: %w", err)
	}
	return credits.Amount(available), nil
}

// conditionFailed tells a missing row apart from an unmet balance condition.
func conditionFailed(ctx context.Context, q querier, existsSQL, id string, notFound error) error {
	var exists bool
	if err := q.QueryRow(ctx, existsSQL, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check existence: %w", err)
	}
	if !exists {
		return notFound
	}
	return credits.ErrInsufficientBalance
}

func balanceOf(ctx context.Context, q querier, target Target) (credits.Amount, error) {
	switch t := target.(type) {
	case Individual:
		acct, err := getAccount(ctx, q, t.AccountID)
		if err != nil {
			return 0, err
		}
		return acct.Balance, nil
	case Organization:
		pool, err := getPool(ctx, q, t.OrgID)
		if err != nil {
			return 0, err
		}
		return pool.Available(), nil
	default:
		return 0, ErrNoTarget
	}
}

func insertEntry(ctx context.Context, q querier, target Target, delta credits.Amount, reason, requestID string) error {
	_, err := q.Exec(ctx, insertEntrySQL,
		nullable(target.Account()), nullable(target.Org()), delta.Millis(), reason, nullable(requestID),
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Entries(ctx context.Context, target Target) ([]*LedgerEntry, error) {
	var (
		query string
		arg   string
	)
	switch t := target.(type) {
	case Individual:
		query = `
			SELECT id::text, COALESCE(account_id, ''), COALESCE(org_id, ''), delta, reason, COALESCE(request_id, ''), created_at
			FROM ledger_entries
			WHERE account_id = $1 AND org_id IS NULL
			ORDER BY id
		`
		arg = t.AccountID
	case Organization:
		query = `
			SELECT id::text, COALESCE(account_id, ''), COALESCE(org_id, ''), delta, reason, COALESCE(request_id, ''), created_at
			FROM ledger_entries
			WHERE org_id = $1
			ORDER BY id
		`
		arg = t.OrgID
	default:
		return nil, ErrNoTarget
	}

	rows, err := s.db.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*LedgerEntry
	for rows.Next() {
		var (
			e     LedgerEntry
			delta int64
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.OrgID, &delta, &e.Reason, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		e.Delta = credits.Amount(delta)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) GetUsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT id::text, request_id, account_id, COALESCE(org_id, ''), credits_charged, service, model,
			input_tokens, output_tokens, units, source, metadata, created_at
		FROM usage_records
		WHERE account_id = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, accountID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var (
			r       UsageRecord
			charged int64
		)
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.AccountID, &r.OrgID, &charged, &r.Service, &r.Model,
			&r.InputTokens, &r.OutputTokens, &r.Units, &r.Source, &r.Metadata, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		r.CreditsCharged = credits.Amount(charged)
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage records: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) GetTotalChargedByAccount(ctx context.Context, accountID string, from, to time.Time) (credits.Amount, error) {
	query := `
		SELECT COALESCE(SUM(credits_charged), 0)
		FROM usage_records
		WHERE account_id = $1 AND created_at BETWEEN $2 AND $3
	`
	var total int64
	err := s.db.QueryRow(ctx, query, accountID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total charged: %w", err)
	}

	return credits.Amount(total), nil
}

func (s *PostgresStore) EnsureAccount(ctx context.Context, accountID string, monthlyCap *credits.Amount) error {
	var capArg any
	if monthlyCap != nil {
		capArg = monthlyCap.Millis()
	}
	query := `INSERT INTO accounts (id, monthly_cap) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, accountID, capArg); err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsurePool(ctx context.Context, orgID string) error {
	query := `INSERT INTO credit_pools (org_id) VALUES ($1) ON CONFLICT (org_id) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, orgID); err != nil {
		return fmt.Errorf("failed to ensure credit pool: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetAllocation(ctx context.Context, orgID, accountID string, allocated credits.Amount) error {
	query := `
		INSERT INTO org_allocations (org_id, account_id, allocated)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, account_id) DO UPDATE SET allocated = EXCLUDED.allocated, updated_at = NOW()
	`
	if _, err := s.db.Exec(ctx, query, orgID, accountID, allocated.Millis()); err != nil {
		return fmt.Errorf("failed to set allocation: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
