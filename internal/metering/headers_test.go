package metering

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/credit-gateway/internal/billing"
	"github.com/vnmchuo/credit-gateway/internal/byok"
	"github.com/vnmchuo/credit-gateway/internal/credits"
)

func TestSetHeaders_Reconciled(t *testing.T) {
	f := newMemoryFixture(t)
	f.fund(t, "alice", "50")
	ctx := context.Background()

	s, err := f.gw.Admit(ctx, chat("alice", "req-1"))
	require.NoError(t, err)
	o := s.Settle(ctx, reported(1200, 300), testRates)

	h := http.Header{}
	SetHeaders(h, s, o)
	assert.Equal(t, "7.2", h.Get(HeaderCreditsUsed))
	assert.Equal(t, "42.8", h.Get(HeaderCreditsRemaining))
	assert.Equal(t, "false", h.Get(HeaderOrgCredits))
	assert.Equal(t, "false", h.Get(HeaderBYOK))
	assert.Empty(t, h.Get(HeaderBYOKProvider))
	assert.Empty(t, h.Get(HeaderBillingDegraded))
}

func TestSetHeaders_Duplicate(t *testing.T) {
	f := newMemoryFixture(t)
	f.fund(t, "alice", "50")
	ctx := context.Background()

	first, err := f.gw.Admit(ctx, chat("alice", "req-1"))
	require.NoError(t, err)
	first.Settle(ctx, reported(1200, 300), testRates)

	retry, err := f.gw.Admit(ctx, chat("alice", "req-1"))
	require.NoError(t, err)
	o := retry.Settle(ctx, reported(1200, 300), testRates)

	h := http.Header{}
	SetHeaders(h, retry, o)
	assert.Equal(t, "0", h.Get(HeaderCreditsUsed))
	assert.Empty(t, h.Get(HeaderCreditsRemaining))
}

func TestSetHeaders_Bypass(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	validated := time.Now()
	require.NoError(t, f.vault.Save(ctx, &byok.Credential{
		AccountID: "alice", Provider: "openai", Secret: "sk-own", Active: true, ValidatedAt: &validated,
	}))

	s, err := f.gw.Admit(ctx, chat("alice", "req-1"))
	require.NoError(t, err)
	o := s.Settle(ctx, reported(1200, 300), testRates)

	h := http.Header{}
	SetHeaders(h, s, o)
	assert.Equal(t, "0", h.Get(HeaderCreditsUsed))
	assert.Equal(t, "true", h.Get(HeaderBYOK))
	assert.Equal(t, "openai", h.Get(HeaderBYOKProvider))

	stream := http.Header{}
	SetStreamHeaders(stream, s)
	assert.Equal(t, "0", stream.Get(HeaderCreditsUsed))
	assert.Empty(t, stream.Get(HeaderCreditsEstimated))
}

func TestSetHeaders_Degraded(t *testing.T) {
	mem := billing.NewMemoryStore()
	store := &flakyStore{MemoryStore: mem}
	f := newFixture(t, store, mem, nil)
	f.fund(t, "alice", "50")
	ctx := context.Background()

	s, err := f.gw.Admit(ctx, chat("alice", "req-1"))
	require.NoError(t, err)
	store.down.Store(true)
	o := s.Settle(ctx, reported(1200, 300), testRates)

	h := http.Header{}
	SetHeaders(h, s, o)
	assert.Equal(t, "0", h.Get(HeaderCreditsUsed))
	assert.Equal(t, "true", h.Get(HeaderBillingDegraded))
	assert.Empty(t, h.Get(HeaderCreditsRemaining))
}

func TestSetHeaders_Untracked(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	s, err := f.gw.Admit(ctx, Admission{Path: "/v1/models", AccountID: "alice"})
	require.NoError(t, err)

	h := http.Header{}
	SetHeaders(h, s, s.Settle(ctx, nil, nil))
	SetStreamHeaders(h, s)
	assert.Empty(t, h)
}

func TestSetStreamHeaders_Estimate(t *testing.T) {
	f := newMemoryFixture(t)
	f.fund(t, "alice", "50")

	s, err := f.gw.Admit(context.Background(), Admission{
		Path:      "/v1/embeddings",
		AccountID: "alice",
		RequestID: "req-1",
	})
	require.NoError(t, err)

	h := http.Header{}
	SetStreamHeaders(h, s)
	assert.Equal(t, "0.1", h.Get(HeaderCreditsEstimated))
	assert.Equal(t, "false", h.Get(HeaderBYOK))
	assert.Empty(t, h.Get(HeaderCreditsUsed))
}

func TestWriteInsufficientCredits(t *testing.T) {
	f := newMemoryFixture(t)

	t.Run("individual", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.gw.WriteInsufficientCredits(rec, &credits.InsufficientCreditsError{
			Estimated: credits.MustParse("9"),
			Available: credits.MustParse("5"),
		})

		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Equal(t, "9", rec.Header().Get(HeaderCreditsRequired))
		assert.Equal(t, "false", rec.Header().Get(HeaderOrgCredits))

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "insufficient_credits", body["error"])
		assert.Equal(t, float64(9), body["estimated_cost"])
		assert.Equal(t, false, body["org_credits"])
		assert.Nil(t, body["org_id"])
		assert.Equal(t, "https://example.com/billing", body["upgrade_url"])
	})

	t.Run("organization", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.gw.WriteInsufficientCredits(rec, &credits.InsufficientCreditsError{
			Estimated:  credits.MustParse("9"),
			Available:  credits.MustParse("3"),
			OrgCredits: true,
			OrgID:      "acme",
		})

		assert.Equal(t, "true", rec.Header().Get(HeaderOrgCredits))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "acme", body["org_id"])
		assert.Equal(t, true, body["org_credits"])
		assert.Contains(t, body["message"], "organization")
	})

	t.Run("no upgrade url configured", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewGateway(Options{}).WriteInsufficientCredits(rec, &credits.InsufficientCreditsError{
			Estimated: credits.MustParse("9"),
		})

		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body, "upgrade_url")
		assert.Equal(t, "", body["upgrade_url"])
	})
}
