package byok

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingVault struct {
	*MemoryVault
	calls int
	err   error
}

func (v *countingVault) FindUsable(ctx context.Context, accountID, provider string) (*Credential, error) {
	v.calls++
	if v.err != nil {
		return nil, v.err
	}
	return v.MemoryVault.FindUsable(ctx, accountID, provider)
}

func setupResolver(t *testing.T) (*Resolver, *countingVault, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	vault := &countingVault{MemoryVault: NewMemoryVault()}
	return NewResolver(vault, client, nil), vault, mr
}

func validated() *time.Time {
	ts := time.Now().Add(-time.Hour)
	return &ts
}

func TestResolve_BypassWithValidatedCredential(t *testing.T) {
	r, vault, _ := setupResolver(t)
	ctx := context.Background()
	require.NoError(t, vault.Save(ctx, &Credential{AccountID: "alice", Provider: "openai", Secret: "sk-own", Active: true, ValidatedAt: validated()}))

	res, err := r.Resolve(ctx, "alice", "openai")
	require.NoError(t, err)
	assert.True(t, res.Bypass)
	assert.Equal(t, "openai", res.Provider)
	assert.Equal(t, "sk-own", res.Credential.Secret)

	// empty provider matches any
	res, err = r.Resolve(ctx, "alice", "")
	require.NoError(t, err)
	assert.True(t, res.Bypass)
}

func TestResolve_UnvalidatedOrInactiveDoesNotBypass(t *testing.T) {
	r, vault, _ := setupResolver(t)
	ctx := context.Background()
	require.NoError(t, vault.Save(ctx, &Credential{AccountID: "alice", Provider: "openai", Secret: "sk-1", Active: true}))
	require.NoError(t, vault.Save(ctx, &Credential{AccountID: "alice", Provider: "claude", Secret: "sk-2", Active: false, ValidatedAt: validated()}))

	for _, provider := range []string{"openai", "claude", "gemini"} {
		res, err := r.Resolve(ctx, "alice", provider)
		require.NoError(t, err)
		assert.False(t, res.Bypass, provider)
	}
}

func TestResolve_CachesNegativeLookups(t *testing.T) {
	r, vault, mr := setupResolver(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := r.Resolve(ctx, "bob", "openai")
		require.NoError(t, err)
		assert.Equal(t, NoBypass, res)
	}
	assert.Equal(t, 1, vault.calls)
	assert.True(t, mr.Exists("byok:none:bob:openai"))

	mr.FastForward(2 * defaultNegativeTTL)
	_, err := r.Resolve(ctx, "bob", "openai")
	require.NoError(t, err)
	assert.Equal(t, 2, vault.calls)
}

func TestResolve_SaveInvalidatesNegativeCache(t *testing.T) {
	r, _, mr := setupResolver(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "bob", "openai")
	require.NoError(t, err)
	assert.False(t, res.Bypass)

	require.NoError(t, r.Save(ctx, &Credential{AccountID: "bob", Provider: "openai", Secret: "sk-bob", Active: true, ValidatedAt: validated()}))
	assert.False(t, mr.Exists("byok:none:bob:openai"))

	res, err = r.Resolve(ctx, "bob", "openai")
	require.NoError(t, err)
	assert.True(t, res.Bypass)
}

func TestResolve_VaultErrorFailsTowardBilling(t *testing.T) {
	r, vault, mr := setupResolver(t)
	vault.err = errors.New("connection refused")

	res, err := r.Resolve(context.Background(), "alice", "openai")
	require.Error(t, err)
	assert.Equal(t, NoBypass, res)
	assert.False(t, mr.Exists("byok:none:alice:openai"))
}

func TestResolve_RedisDownFallsThroughToVault(t *testing.T) {
	r, vault, mr := setupResolver(t)
	ctx := context.Background()
	require.NoError(t, vault.Save(ctx, &Credential{AccountID: "alice", Provider: "openai", Secret: "sk-own", Active: true, ValidatedAt: validated()}))
	mr.Close()

	res, err := r.Resolve(ctx, "alice", "openai")
	require.NoError(t, err)
	assert.True(t, res.Bypass)
	assert.Equal(t, 1, vault.calls)
}

func TestResolve_NoCache(t *testing.T) {
	r := NewResolver(NewMemoryVault(), nil, nil)

	res, err := r.Resolve(context.Background(), "alice", "openai")
	require.NoError(t, err)
	assert.False(t, res.Bypass)

	res, err = r.Resolve(context.Background(), "", "openai")
	require.NoError(t, err)
	assert.False(t, res.Bypass)
}

func TestMemoryVault_SaveRequiresSecret(t *testing.T) {
	err := NewMemoryVault().Save(context.Background(), &Credential{AccountID: "alice", Provider: "openai"})
	assert.Error(t, err)
}
