// Package seeder provisions a demo account so a fresh deployment can be
// exercised end to end.
package seeder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/credit-gateway/internal/auth"
	"github.com/vnmchuo/credit-gateway/internal/billing"
	"github.com/vnmchuo/credit-gateway/internal/byok"
	"github.com/vnmchuo/credit-gateway/internal/credits"
)

const (
	TestAPIKey        = "test-api-key-12345"
	TestOrgAPIKey     = "test-org-api-key-12345"
	TestBYOKAPIKey    = "test-byok-api-key-12345"
	TestAccountID     = "00000000-0000-0000-0000-000000000001"
	TestBYOKAccountID = "00000000-0000-0000-0000-000000000002"
	TestOrgID         = "00000000-0000-0000-0000-0000000000a1"
)

var (
	TestGrant      = credits.FromCredits(1000)
	TestPoolGrant  = credits.FromCredits(5000)
	TestAllocation = credits.FromCredits(2500)
)

// CredentialWriter stores a caller credential. *byok.Resolver satisfies it
// and drops any cached "no credential" answer on the way.
type CredentialWriter interface {
	Save(ctx context.Context, cred *byok.Credential) error
}

type Seeder struct {
	keys        auth.Store
	rows        billing.Provisioner
	ledger      *billing.Ledger
	credentials CredentialWriter
	logger      *zap.Logger

	byokProvider string
	byokSecret   string
}

func New(keys auth.Store, rows billing.Provisioner, ledger *billing.Ledger, credentials CredentialWriter, logger *zap.Logger) *Seeder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Seeder{keys: keys, rows: rows, ledger: ledger, credentials: credentials, logger: logger}
}

// WithBYOK makes Run seed a second account that brings secret as its own
// provider key, so its requests bypass metering.
func (s *Seeder) WithBYOK(provider, secret string) *Seeder {
	s.byokProvider = provider
	s.byokSecret = secret
	return s
}

// Run creates a personal key and an organization key for the test account.
// Credits are only granted when the account or pool does not exist yet, so
// rerunning the seeder never inflates balances.
func (s *Seeder) Run(ctx context.Context) error {
	s.createKey(ctx, TestAPIKey, TestAccountID, "")
	s.createKey(ctx, TestOrgAPIKey, TestAccountID, TestOrgID)

	_, err := s.ledger.Balance(ctx, billing.Individual{AccountID: TestAccountID})
	switch {
	case err == nil:
	case !errors.Is(err, billing.ErrAccountNotFound):
		return fmt.Errorf("failed to check seeded account: %w", err)
	default:
		if err := s.rows.EnsureAccount(ctx, TestAccountID, nil); err != nil {
			return fmt.Errorf("failed to seed account: %w", err)
		}
		if _, err := s.ledger.Adjust(ctx, billing.Adjustment{
			Target: billing.Individual{AccountID: TestAccountID},
			Delta:  TestGrant,
			Reason: "seed",
		}); err != nil {
			return fmt.Errorf("failed to grant account credits: %w", err)
		}
		s.logger.Info("seeded account", zap.String("account_id", TestAccountID), zap.Stringer("credits", TestGrant))
	}

	org := billing.Organization{OrgID: TestOrgID}
	_, err = s.ledger.Balance(ctx, org)
	switch {
	case err == nil:
	case !errors.Is(err, billing.ErrPoolNotFound):
		return fmt.Errorf("failed to check seeded pool: %w", err)
	default:
		if err := s.rows.EnsurePool(ctx, TestOrgID); err != nil {
			return fmt.Errorf("failed to seed pool: %w", err)
		}
		if _, err := s.ledger.Adjust(ctx, billing.Adjustment{Target: org, Delta: TestPoolGrant, Reason: "seed"}); err != nil {
			return fmt.Errorf("failed to grant pool credits: %w", err)
		}
		if err := s.rows.SetAllocation(ctx, TestOrgID, TestAccountID, TestAllocation); err != nil {
			return fmt.Errorf("failed to seed allocation: %w", err)
		}
		s.logger.Info("seeded organization pool",
			zap.String("org_id", TestOrgID),
			zap.Stringer("credits", TestPoolGrant),
			zap.Stringer("allocation", TestAllocation),
		)
	}

	return s.seedBYOK(ctx)
}

func (s *Seeder) seedBYOK(ctx context.Context) error {
	if s.credentials == nil || s.byokSecret == "" {
		return nil
	}
	s.createKey(ctx, TestBYOKAPIKey, TestBYOKAccountID, "")
	if err := s.rows.EnsureAccount(ctx, TestBYOKAccountID, nil); err != nil {
		return fmt.Errorf("failed to seed byok account: %w", err)
	}

	validated := time.Now().UTC()
	if err := s.credentials.Save(ctx, &byok.Credential{
		AccountID:   TestBYOKAccountID,
		Provider:    s.byokProvider,
		Secret:      s.byokSecret,
		Active:      true,
		ValidatedAt: &validated,
	}); err != nil {
		return fmt.Errorf("failed to seed byok credential: %w", err)
	}
	s.logger.Info("seeded byok account", zap.String("account_id", TestBYOKAccountID), zap.String("provider", s.byokProvider))
	return nil
}

func (s *Seeder) createKey(ctx context.Context, key, accountID, orgID string) {
	err := s.keys.Create(ctx, &auth.APIKey{
		AccountID: accountID,
		OrgID:     orgID,
		KeyHash:   auth.HashKey(key),
		RateLimit: 1000000,
		Active:    true,
	})
	if err != nil {
		s.logger.Info("API key may already exist, skipping", zap.String("org_id", orgID), zap.Error(err))
		return
	}
	s.logger.Info("test API key created", zap.String("key", key), zap.String("account_id", accountID), zap.String("org_id", orgID))
}
