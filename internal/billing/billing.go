// Package billing is the balance ledger of the gateway. It owns every
// mutation of account and organization credit balances and the usage records
// that attribute each charge to a request.
//
// Balances only move through a single conditional update in the store
// ("subtract d where balance >= d"), never through an application-level
// read-modify-write, so concurrent requests on different gateway instances
// cannot drive a balance below zero or lose an update.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/vnmchuo/credit-gateway/internal/credits"
)

var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrPoolNotFound       = errors.New("credit pool not found")
	ErrAllocationNotFound = errors.New("allocation not found")
	ErrAlreadyReconciled  = errors.New("request already reconciled")
	ErrZeroDelta          = errors.New("adjustment delta must not be zero")
	ErrNoTarget           = errors.New("billing target is required")
	ErrMissingRequestID   = errors.New("request id is required")
	ErrNegativeCharge     = errors.New("charge must not be negative")
)

// Usage record sources.
const (
	SourceProviderUsage    = "provider-usage"
	SourceEstimateFallback = "estimate-fallback"
)

// Ledger entry reasons.
const (
	ReasonUsageCharge = "usage_charge"
	ReasonGrant       = "grant"
	ReasonRefund      = "refund"
)

type Account struct {
	ID         string
	Balance    credits.Amount
	TotalSpent credits.Amount
	MonthlyCap *credits.Amount
}

// Pool is an organization's shared credit pool.
type Pool struct {
	OrgID          string
	TotalAllocated credits.Amount
	TotalUsed      credits.Amount
}

func (p *Pool) Available() credits.Amount {
	return p.TotalAllocated - p.TotalUsed
}

// Allocation is a member's quota inside an organization pool.
type Allocation struct {
	OrgID     string
	AccountID string
	Allocated credits.Amount
	Used      credits.Amount
}

func (a *Allocation) Remaining() credits.Amount {
	return a.Allocated - a.Used
}

// LedgerEntry is an immutable record of one balance mutation.
type LedgerEntry struct {
	ID        string
	AccountID string
	OrgID     string
	Delta     credits.Amount
	Reason    string
	RequestID string
	CreatedAt time.Time
}

// UsageRecord attributes one billed request. Written once, at reconciliation.
type UsageRecord struct {
	ID             string         `json:"id"`
	RequestID      string         `json:"request_id"`
	AccountID      string         `json:"account_id"`
	OrgID          string         `json:"org_id,omitempty"`
	CreditsCharged credits.Amount `json:"credits_charged"`
	Service        string         `json:"service"`
	Model          string         `json:"model"`
	InputTokens    int            `json:"input_tokens"`
	OutputTokens   int            `json:"output_tokens"`
	Units          int            `json:"units"`
	Source         string         `json:"source"`
	Metadata       map[string]any `json:"usage_metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Target is the pool a request is billed against. It is a closed set:
// Individual or Organization.
type Target interface {
	isTarget()
	// Account is the identity the request belongs to.
	Account() string
	// Org is the organization id, empty for individual billing.
	Org() string
}

// Individual bills the caller's own balance.
type Individual struct {
	AccountID string
}

func (Individual) isTarget()         {}
func (t Individual) Account() string { return t.AccountID }
func (Individual) Org() string       { return "" }

// Organization bills the organization pool. When Allocation is set the
// member's quota is charged too; when nil the pool absorbs the charge without
// per-member sub-accounting.
type Organization struct {
	OrgID      string
	AccountID  string
	Allocation *Allocation
	// Unallocated marks a member with no allocation under the reject policy.
	Unallocated bool
}

func (Organization) isTarget()         {}
func (t Organization) Account() string { return t.AccountID }
func (t Organization) Org() string     { return t.OrgID }

// IsOrg reports whether t bills an organization pool.
func IsOrg(t Target) bool {
	_, ok := t.(Organization)
	return ok
}

// Decision is the result of an advisory precheck.
type Decision struct {
	Sufficient bool
	Estimate   credits.Amount
	Available  credits.Amount
	Shortfall  credits.Amount
	Reason     string
}

// Adjustment is a signed balance mutation. Negative deltas debit.
type Adjustment struct {
	Target    Target
	Delta     credits.Amount
	Reason    string
	RequestID string
}

// Settlement is the atomic unit written by the reconciler: one usage record
// and one debit of Charge.
type Settlement struct {
	Target Target
	Charge credits.Amount
	Record *UsageRecord
}

// Receipt is the outcome of a committed settlement.
type Receipt struct {
	RequestID string
	UsageID   string
	Charged   credits.Amount
	Remaining credits.Amount
	Duplicate bool
}

// BalanceStore is the authoritative credit store. Implementations must make
// Adjust and Settle atomic and express debits as conditional updates.
type BalanceStore interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	GetPool(ctx context.Context, orgID string) (*Pool, error)
	GetAllocation(ctx context.Context, orgID, accountID string) (*Allocation, error)
	SpentSince(ctx context.Context, accountID string, since time.Time) (credits.Amount, error)
	Adjust(ctx context.Context, adj Adjustment) (credits.Amount, error)
	Settle(ctx context.Context, st Settlement) (*Receipt, error)
	Entries(ctx context.Context, target Target) ([]*LedgerEntry, error)
}

// UsageStore serves usage history reads.
type UsageStore interface {
	GetUsageByAccount(ctx context.Context, accountID string, from, to time.Time) ([]*UsageRecord, error)
	GetTotalChargedByAccount(ctx context.Context, accountID string, from, to time.Time) (credits.Amount, error)
}

// Provisioner creates the rows balances live in. Used by seeding and tests;
// directory management proper lives outside the gateway.
type Provisioner interface {
	EnsureAccount(ctx context.Context, accountID string, monthlyCap *credits.Amount) error
	EnsurePool(ctx context.Context, orgID string) error
	SetAllocation(ctx context.Context, orgID, accountID string, allocated credits.Amount) error
}

type Store interface {
	BalanceStore
	UsageStore
	Provisioner
}
