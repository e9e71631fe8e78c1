package byok

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresVault struct {
	db DB
}

func NewPostgresVault(db DB) Vault {
	return &PostgresVault{db: db}
}

func (v *PostgresVault) FindUsable(ctx context.Context, accountID, provider string) (*Credential, error) {
	query := `
		SELECT id::text, account_id, provider, secret, active, validated_at, created_at
		FROM provider_credentials
		WHERE account_id = $1 AND ($2 = '' OR provider = $2)
			AND active = true AND validated_at IS NOT NULL
		ORDER BY validated_at DESC
		LIMIT 1
	`

	var c Credential
	err := v.db.QueryRow(ctx, query, accountID, provider).Scan(
		&c.ID, &c.AccountID, &c.Provider, &c.Secret, &c.Active, &c.ValidatedAt, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("failed to get provider credential: %w", err)
	}
	return &c, nil
}

func (v *PostgresVault) Save(ctx context.Context, cred *Credential) error {
	if cred.Secret == "" {
		return fmt.Errorf("secret is required")
	}

	query := `
		INSERT INTO provider_credentials (account_id, provider, secret, active, validated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, provider) DO UPDATE
			SET secret = EXCLUDED.secret, active = EXCLUDED.active, validated_at = EXCLUDED.validated_at
		RETURNING id::text, created_at
	`
	err := v.db.QueryRow(ctx, query,
		cred.AccountID, cred.Provider, cred.Secret, cred.Active, cred.ValidatedAt,
	).Scan(&cred.ID, &cred.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save provider credential: %w", err)
	}
	return nil
}

// MemoryVault backs the memory store driver and tests.
type MemoryVault struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{creds: make(map[string]*Credential)}
}

func (v *MemoryVault) FindUsable(ctx context.Context, accountID, provider string) (*Credential, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var best *Credential
	for _, c := range v.creds {
		if c.AccountID != accountID || !c.Usable() {
			continue
		}
		if provider != "" && c.Provider != provider {
			continue
		}
		if best == nil || c.ValidatedAt.After(*best.ValidatedAt) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNoCredential
	}
	val := *best
	return &val, nil
}

func (v *MemoryVault) Save(ctx context.Context, cred *Credential) error {
	if cred.Secret == "" {
		return fmt.Errorf("secret is required")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := cred.AccountID + "/" + cred.Provider
	if existing, ok := v.creds[key]; ok {
		cred.ID = existing.ID
		cred.CreatedAt = existing.CreatedAt
	} else {
		cred.ID = uuid.New().String()
		cred.CreatedAt = time.Now().UTC()
	}
	val := *cred
	v.creds[key] = &val
	return nil
}
