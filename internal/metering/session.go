package metering

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-gateway/internal/billing"
	"github.com/vnmchuo/credit-gateway/internal/byok"
	"github.com/vnmchuo/credit-gateway/internal/credits"
	"github.com/vnmchuo/credit-gateway/internal/events"
	"github.com/vnmchuo/credit-gateway/internal/provider"
	"github.com/vnmchuo/credit-gateway/internal/worker"
)

type State string

const (
	StateUntracked         State = "untracked"
	StateClassified        State = "classified"
	StateBypass            State = "bypass"
	StatePrecheck          State = "precheck"
	StateRejected          State = "rejected"
	StateForwarded         State = "forwarded"
	StateCompleted         State = "completed"
	StateReconciled        State = "reconciled"
	StateReconcileDegraded State = "reconcile_degraded"
	StateAborted           State = "aborted"
)

// Outcome is the billing result of one request. Settle returns the same
// Outcome every time it is called on a session.
type Outcome struct {
	State        State
	Charged      credits.Amount
	Remaining    credits.Amount
	HasRemaining bool
	Source       string
	Duplicate    bool
}

func (o Outcome) Degraded() bool {
	return o.State == StateReconcileDegraded
}

// Deferred reports that SettleOrDefer ran out of budget and the charge is
// still being reconciled in the background.
func (o Outcome) Deferred() bool {
	return o.State == StateCompleted
}

// Session carries one request through the billing state machine.
type Session struct {
	gw        *Gateway
	adm       Admission
	startedAt time.Time

	// settling serializes settle and is held across the store call; mu only
	// guards the fields below.
	settling   sync.Mutex
	mu         sync.Mutex
	state      State
	class      CostClass
	estimate   credits.Amount
	target     billing.Target
	resolution byok.Resolution
	outcome    *Outcome
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Tracked reports whether the request went through metering at all.
func (s *Session) Tracked() bool {
	return s.State() != StateUntracked
}

func (s *Session) Bypass() bool {
	return s.State() == StateBypass
}

// Credential is the caller's own upstream credential when bypassing.
func (s *Session) Credential() *byok.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolution.Credential
}

func (s *Session) BYOKProvider() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolution.Provider
}

func (s *Session) Estimate() credits.Amount {
	return s.estimate
}

// OrgCredits reports whether the request bills an organization pool.
func (s *Session) OrgCredits() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target != nil && billing.IsOrg(s.target)
}

func (s *Session) RequestID() string {
	return s.adm.RequestID
}

// Settle reconciles the request against resp. It is detached from ctx's
// cancellation so a client disconnect cannot abort the billing transaction,
// and bounded by the gateway's reconcile timeout.
func (s *Session) Settle(ctx context.Context, resp *provider.Response, rates Rates) Outcome {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.gw.timeout)
	defer cancel()
	return s.settle(ctx, resp, rates)
}

// SettleOrDefer hands reconciliation to the dispatcher and waits up to the
// gateway's settle budget for the outcome. Past the budget it returns a
// Deferred outcome and the charge lands in the background.
func (s *Session) SettleOrDefer(ctx context.Context, resp *provider.Response, rates Rates) Outcome {
	if !s.needsReconcile() {
		return s.Settle(ctx, resp, rates)
	}

	done := make(chan Outcome, 1)
	s.dispatch(ctx, resp, rates, done)

	timer := time.NewTimer(s.gw.settleBudget)
	defer timer.Stop()
	select {
	case o := <-done:
		return o
	case <-timer.C:
	}

	s.gw.metrics.Reconciliations.WithLabelValues("deferred", "").Inc()
	s.gw.logger.Warn("settle budget exceeded, reconciling in background",
		zap.String("request_id", s.adm.RequestID),
		zap.String("account_id", s.adm.AccountID),
		zap.Duration("budget", s.gw.settleBudget),
	)
	return Outcome{State: StateCompleted}
}

// SettleAsync reconciles on the gateway's worker pool and returns at once.
// Used for streams, whose usage is only known after the body is sent.
func (s *Session) SettleAsync(ctx context.Context, resp *provider.Response, rates Rates) {
	if !s.needsReconcile() {
		return
	}
	s.dispatch(ctx, resp, rates, nil)
}

// dispatch queues the settlement. done, when set, receives the outcome.
func (s *Session) dispatch(ctx context.Context, resp *provider.Response, rates Rates, done chan<- Outcome) {
	detached := context.WithoutCancel(ctx)
	run := func(context.Context) error {
		o := s.Settle(detached, resp, rates)
		if done != nil {
			done <- o
		}
		if o.Degraded() {
			return errReconcileDegraded
		}
		return nil
	}

	if s.gw.dispatcher == nil {
		go func() { _ = run(detached) }()
		return
	}
	err := s.gw.dispatcher.Enqueue(&worker.Job{ID: s.adm.RequestID, Name: "reconcile", Run: run})
	if err != nil {
		s.gw.logger.Warn("reconcile queue rejected job, settling inline",
			zap.String("request_id", s.adm.RequestID),
			zap.Error(err),
		)
		go func() { _ = run(detached) }()
	}
}

// Abort marks a forwarded request whose downstream call failed. Nothing is
// charged.
func (s *Session) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.outcome != nil {
		return
	}
	switch s.state {
	case StateClassified, StatePrecheck, StateForwarded:
	default:
		return
	}
	s.state = StateAborted
	s.outcome = &Outcome{State: StateAborted}
	s.gw.metrics.Reconciliations.WithLabelValues(string(StateAborted), "").Inc()
	s.gw.logger.Info("request aborted, nothing charged",
		zap.String("request_id", s.adm.RequestID),
		zap.String("account_id", s.adm.AccountID),
		zap.String("reason", reason),
	)
}

func (s *Session) needsReconcile() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcome != nil {
		return false
	}
	return s.state == StateForwarded
}

func (s *Session) settle(ctx context.Context, resp *provider.Response, rates Rates) Outcome {
	s.settling.Lock()
	defer s.settling.Unlock()

	s.mu.Lock()
	if s.outcome != nil {
		o := *s.outcome
		s.mu.Unlock()
		return o
	}
	if s.state != StateForwarded {
		o := Outcome{State: s.state}
		s.outcome = &o
		s.mu.Unlock()
		return o
	}
	s.state = StateCompleted
	s.mu.Unlock()

	o := s.gw.reconcile(ctx, s, resp, rates)

	s.mu.Lock()
	s.state = o.State
	s.outcome = &o
	s.mu.Unlock()
	return o
}

// reconcile runs with s.settling held. The admission fields it reads are
// fixed once Admit returns.
func (g *Gateway) reconcile(ctx context.Context, s *Session, resp *provider.Response, rates Rates) Outcome {
	start := time.Now()
	defer func() { g.metrics.SettleDuration.Observe(time.Since(start).Seconds()) }()

	ctx, span := g.tracer.Start(ctx, "metering.settle")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", s.adm.RequestID))

	charge := s.estimate
	source := billing.SourceEstimateFallback
	x, err := g.extractor.Extract(resp, rates)
	switch {
	case err == nil:
		charge = x.Cost
		source = x.Source
	case errors.Is(err, credits.ErrUsageUnavailable):
		span.SetAttributes(attribute.Bool("usage_unavailable", true))
	default:
		g.fault(ctx, s, "extract_usage", err, 0)
	}

	if s.target == nil {
		// target resolution already faulted at admission
		g.fault(ctx, s, "reconcile", billing.ErrNoTarget, charge)
		return g.degraded(source)
	}

	rc := billing.Reconciliation{
		RequestID:    s.adm.RequestID,
		Target:       s.target,
		Reserved:     s.estimate,
		Charge:       charge,
		Service:      s.adm.Provider,
		InputTokens:  x.InputTokens,
		OutputTokens: x.OutputTokens,
		Units:        x.Units,
		Source:       source,
		Metadata:     map[string]any{"cost_class": string(s.class)},
	}
	if resp != nil {
		rc.Model = resp.Model
		if resp.Provider != "" {
			rc.Service = resp.Provider
		}
	}

	receipt, err := breakerCall(g.breaker, func() (*billing.Receipt, error) {
		return g.reconciler.Reconcile(ctx, rc)
	})
	if err != nil {
		g.fault(ctx, s, "reconcile", err, charge)
		return g.degraded(source)
	}

	if receipt.Duplicate {
		g.metrics.Reconciliations.WithLabelValues(string(StateReconciled), "duplicate").Inc()
		g.logger.Info("request already reconciled", zap.String("request_id", s.adm.RequestID))
		return Outcome{State: StateReconciled, Source: source, Duplicate: true}
	}

	kind := "individual"
	if billing.IsOrg(s.target) {
		kind = "organization"
	}
	g.metrics.Reconciliations.WithLabelValues(string(StateReconciled), source).Inc()
	g.metrics.CreditsCharged.WithLabelValues(kind).Add(receipt.Charged.Decimal().InexactFloat64())

	event := events.UsageReconciled{
		RequestID:    receipt.RequestID,
		UsageID:      receipt.UsageID,
		AccountID:    s.target.Account(),
		OrgID:        s.target.Org(),
		Charged:      receipt.Charged.String(),
		Remaining:    receipt.Remaining.String(),
		Source:       source,
		Provider:     rc.Service,
		Model:        rc.Model,
		InputTokens:  rc.InputTokens,
		OutputTokens: rc.OutputTokens,
	}
	if perr := g.publisher.PublishUsage(ctx, event); perr != nil {
		g.logger.Warn("failed to publish usage event", zap.String("request_id", s.adm.RequestID), zap.Error(perr))
	}

	return Outcome{
		State:        StateReconciled,
		Charged:      receipt.Charged,
		Remaining:    receipt.Remaining,
		HasRemaining: true,
		Source:       source,
	}
}

func (g *Gateway) degraded(source string) Outcome {
	g.metrics.Reconciliations.WithLabelValues(string(StateReconcileDegraded), source).Inc()
	return Outcome{State: StateReconcileDegraded, Source: source}
}
