package billing

import (
	"context"
	"fmt"

	"github.com/vnmchuo/credit-gateway/internal/credits"
)

// Reconciliation converts a request's precheck estimate into its final
// charge. Precheck never debits, so the delta applied is the full Charge.
type Reconciliation struct {
	RequestID    string
	Target       Target
	Reserved     credits.Amount
	Charge       credits.Amount
	Service      string
	Model        string
	InputTokens  int
	OutputTokens int
	Units        int
	Source       string
	Metadata     map[string]any
}

type Reconciler struct {
	store BalanceStore
}

func NewReconciler(store BalanceStore) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile debits the charge and writes the usage record in one store
// transaction. Reconciling the same request id twice is a no-op that returns
// a receipt marked Duplicate.
func (r *Reconciler) Reconcile(ctx context.Context, rc Reconciliation) (*Receipt, error) {
	if rc.RequestID == "" {
		return nil, ErrMissingRequestID
	}
	if rc.Target == nil {
		return nil, ErrNoTarget
	}
	if rc.Charge < 0 {
		return nil, ErrNegativeCharge
	}

	source := rc.Source
	if source == "" {
		source = SourceProviderUsage
	}

	metadata := make(map[string]any, len(rc.Metadata)+2)
	for k, v := range rc.Metadata {
		metadata[k] = v
	}
	metadata["source"] = source
	metadata["reserved_estimate"] = rc.Reserved.String()

	record := &UsageRecord{
		RequestID:      rc.RequestID,
		AccountID:      rc.Target.Account(),
		OrgID:          rc.Target.Org(),
		CreditsCharged: rc.Charge,
		Service:        rc.Service,
		Model:          rc.Model,
		InputTokens:    rc.InputTokens,
		OutputTokens:   rc.OutputTokens,
		Units:          rc.Units,
		Source:         source,
		Metadata:       metadata,
	}

	receipt, err := r.store.Settle(ctx, Settlement{
		Target: rc.Target,
		Charge: rc.Charge,
		Record: record,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reconcile request %s: %w", rc.RequestID, err)
	}
	return receipt, nil
}
