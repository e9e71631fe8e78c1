package auth

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

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	query := `
		SELECT id::text, account_id, COALESCE(org_id, ''), key_hash, rate_limit, active, created_at
		FROM api_keys
		WHERE key_hash = $1 AND active = true
	`

	var k APIKey
	err := s.db.QueryRow(ctx, query, HashKey(key)).Scan(
		&k.ID, &k.AccountID, &k.OrgID, &k.KeyHash, &k.RateLimit, &k.Active, &k.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}

	return &k, nil
}

func (s *PostgresStore) Create(ctx context.Context, apiKey *APIKey) error {
	if apiKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	if apiKey.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}

	query := `
		INSERT INTO api_keys (account_id, org_id, key_hash, rate_limit, active)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5)
		RETURNING id::text, created_at
	`

	err := s.db.QueryRow(ctx, query,
		apiKey.AccountID, apiKey.OrgID, apiKey.KeyHash, apiKey.RateLimit, apiKey.Active,
	).Scan(&apiKey.ID, &apiKey.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}

	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, keyID string) error {
	query := `UPDATE api_keys SET active = false WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, keyID)
	if err != nil {
		return fmt.Errorf("failed to revoke api key: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// MemoryStore backs the memory store driver and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]*APIKey)}
}

func (s *MemoryStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.byHash[HashKey(key)]
	if !ok || !k.Active {
		return nil, ErrKeyNotFound
	}
	val := *k
	return &val, nil
}

func (s *MemoryStore) Create(ctx context.Context, apiKey *APIKey) error {
	if apiKey.KeyHash == "" {
		return fmt.Errorf("key_hash is required")
	}
	if apiKey.AccountID == "" {
		return fmt.Errorf("account_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byHash[apiKey.KeyHash]; exists {
		return fmt.Errorf("failed to create api key: duplicate key_hash")
	}
	apiKey.ID = uuid.New().String()
	apiKey.CreatedAt = time.Now().UTC()
	val := *apiKey
	s.byHash[apiKey.KeyHash] = &val
	return nil
}

func (s *MemoryStore) Revoke(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.byHash {
		if k.ID == keyID {
			k.Active = false
			return nil
		}
	}
	return ErrKeyNotFound
}
