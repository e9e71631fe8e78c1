// Package byok decides whether a caller brought their own upstream provider
// key. A caller with a usable credential bypasses metering entirely.
package byok

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrNoCredential = errors.New("no usable provider credential")

const defaultNegativeTTL = time.Minute

// Credential is a caller-supplied upstream key. Only its existence, Active
// flag and validation state decide bypass.
type Credential struct {
	ID          string     `json:"id"`
	AccountID   string     `json:"account_id"`
	Provider    string     `json:"provider"`
	Secret      string     `json:"-"`
	Active      bool       `json:"active"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (c *Credential) Usable() bool {
	return c != nil && c.Active && c.ValidatedAt != nil
}

// Vault looks credentials up. FindUsable returns ErrNoCredential when the
// account has no active, validated credential for provider. An empty
// provider matches any.
type Vault interface {
	FindUsable(ctx context.Context, accountID, provider string) (*Credential, error)
	Save(ctx context.Context, cred *Credential) error
}

type Resolution struct {
	Bypass     bool
	Provider   string
	Credential *Credential
}

// NoBypass is the resolution that keeps a request on the metered path.
var NoBypass = Resolution{}

type Resolver struct {
	vault  Vault
	cache  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewResolver builds a resolver. cache may be nil.
func NewResolver(vault Vault, cache *redis.Client, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		vault:  vault,
		cache:  cache,
		ttl:    defaultNegativeTTL,
		logger: logger,
	}
}

func negativeKey(accountID, provider string) string {
	if provider == "" {
		provider = "*"
	}
	return fmt.Sprintf("byok:none:%s:%s", accountID, provider)
}

// Resolve never mutates anything. On a vault error it returns NoBypass with
// the error so the caller bills the request.
func (r *Resolver) Resolve(ctx context.Context, accountID, provider string) (Resolution, error) {
	if accountID == "" {
		return NoBypass, nil
	}

	key := negativeKey(accountID, provider)
	if r.cache != nil {
		err := r.cache.Get(ctx, key).Err()
		if err == nil {
			return NoBypass, nil
		}
		if !errors.Is(err, redis.Nil) {
			r.logger.Warn("byok: redis error", zap.String("key", key), zap.Error(err))
		}
	}

	cred, err := r.vault.FindUsable(ctx, accountID, provider)
	if err != nil {
		if errors.Is(err, ErrNoCredential) {
			r.remember(ctx, key)
			return NoBypass, nil
		}
		return NoBypass, fmt.Errorf("failed to resolve credential: %w", err)
	}
	if !cred.Usable() {
		return NoBypass, nil
	}

	return Resolution{Bypass: true, Provider: cred.Provider, Credential: cred}, nil
}

func (r *Resolver) remember(ctx context.Context, key string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Set(ctx, key, "1", r.ttl).Err(); err != nil {
		r.logger.Warn("byok: failed to cache negative lookup", zap.String("key", key), zap.Error(err))
	}
}

// Save stores cred and drops any cached negative lookup for its account.
func (r *Resolver) Save(ctx context.Context, cred *Credential) error {
	if err := r.vault.Save(ctx, cred); err != nil {
		return err
	}
	if r.cache != nil {
		keys := []string{negativeKey(cred.AccountID, cred.Provider), negativeKey(cred.AccountID, "")}
		if err := r.cache.Del(ctx, keys...).Err(); err != nil {
			r.logger.Warn("byok: failed to invalidate cache", zap.String("account_id", cred.AccountID), zap.Error(err))
		}
	}
	return nil
}
