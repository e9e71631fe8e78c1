package metering

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-gateway/internal/billing"
	"github.com/vnmchuo/credit-gateway/internal/byok"
	"github.com/vnmchuo/credit-gateway/internal/credits"
	"github.com/vnmchuo/credit-gateway/internal/events"
	"github.com/vnmchuo/credit-gateway/internal/metrics"
	"github.com/vnmchuo/credit-gateway/internal/worker"
)

const (
	defaultReconcileTimeout = 10 * time.Second
	defaultAdmitTimeout     = time.Second
	defaultSettleBudget     = time.Second
)

var errReconcileDegraded = errors.New("reconciliation degraded")

type CredentialResolver interface {
	Resolve(ctx context.Context, accountID, provider string) (byok.Resolution, error)
}

// Dispatcher runs reconciliation off the request path. *worker.Pool
// satisfies it.
type Dispatcher interface {
	Enqueue(job *worker.Job) error
}

type Options struct {
	Enabled          bool
	Classifier       *Classifier
	Estimator        *Estimator
	Extractor        *Extractor
	Resolver         CredentialResolver
	Ledger           *billing.Ledger
	Reconciler       *billing.Reconciler
	Dispatcher       Dispatcher
	Publisher        events.Publisher
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
	Tracer           trace.Tracer
	ReconcileTimeout time.Duration
	// AdmitTimeout bounds every store lookup Admit makes.
	AdmitTimeout time.Duration
	// SettleBudget is how long SettleOrDefer waits before leaving the
	// reconciliation to the dispatcher.
	SettleBudget time.Duration
	UpgradeURL   string
}

// Gateway is the fail-open boundary around billing. Admit is the only call
// that can reject a request, and only with *credits.InsufficientCreditsError.
type Gateway struct {
	enabled      bool
	classifier   *Classifier
	estimator    *Estimator
	extractor    *Extractor
	resolver     CredentialResolver
	ledger       *billing.Ledger
	reconciler   *billing.Reconciler
	dispatcher   Dispatcher
	publisher    events.Publisher
	metrics      *metrics.Metrics
	logger       *zap.Logger
	tracer       trace.Tracer
	timeout      time.Duration
	admitTimeout time.Duration
	settleBudget time.Duration
	upgradeURL   string
	breaker      *gobreaker.CircuitBreaker
}

func NewGateway(opts Options) *Gateway {
	g := &Gateway{
		enabled:      opts.Enabled,
		classifier:   opts.Classifier,
		estimator:    opts.Estimator,
		extractor:    opts.Extractor,
		resolver:     opts.Resolver,
		ledger:       opts.Ledger,
		reconciler:   opts.Reconciler,
		dispatcher:   opts.Dispatcher,
		publisher:    opts.Publisher,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		tracer:       opts.Tracer,
		timeout:      opts.ReconcileTimeout,
		admitTimeout: opts.AdmitTimeout,
		settleBudget: opts.SettleBudget,
		upgradeURL:   opts.UpgradeURL,
	}
	if g.classifier == nil {
		g.classifier = NewClassifier(DefaultTracked(), DefaultExcluded())
	}
	if g.estimator == nil {
		g.estimator = NewEstimator(DefaultPrices(), ClassChatCompletion)
	}
	if g.extractor == nil {
		g.extractor = NewExtractor(DefaultCreditsPerUSD)
	}
	if g.publisher == nil {
		g.publisher = events.Discard{}
	}
	if g.metrics == nil {
		g.metrics = metrics.New(prometheus.NewRegistry())
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.tracer == nil {
		g.tracer = noop.NewTracerProvider().Tracer("metering")
	}
	if g.timeout <= 0 {
		g.timeout = defaultReconcileTimeout
	}
	if g.admitTimeout <= 0 {
		g.admitTimeout = defaultAdmitTimeout
	}
	if g.settleBudget <= 0 {
		g.settleBudget = defaultSettleBudget
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "billing-store",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// a refused debit is an answer from a healthy store
		IsSuccessful: func(err error) bool {
			return err == nil || isLedgerOutcome(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("billing circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return g
}

func isLedgerOutcome(err error) bool {
	for _, target := range []error{
		credits.ErrInsufficientBalance,
		billing.ErrAccountNotFound,
		billing.ErrPoolNotFound,
		billing.ErrAllocationNotFound,
		billing.ErrNoTarget,
		billing.ErrMissingRequestID,
		billing.ErrNegativeCharge,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func breakerCall[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	res, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		return zero, err
	}
	v, _ := res.(T)
	return v, nil
}

// Admission is what the gateway needs to know about an inbound request.
type Admission struct {
	Path      string
	AccountID string
	OrgID     string
	Provider  string
	RequestID string
}

// Admit classifies the request, checks for a caller credential and runs the
// precheck. Any failure other than an insufficient balance admits the
// request and is recorded as a fault. The lookups share one AdmitTimeout
// deadline, so a stalled store degrades the request instead of holding it.
func (g *Gateway) Admit(ctx context.Context, adm Admission) (*Session, error) {
	s := &Session{gw: g, adm: adm, state: StateUntracked, startedAt: time.Now()}

	if !g.enabled || adm.AccountID == "" {
		g.metrics.Admissions.WithLabelValues(string(StateUntracked)).Inc()
		return s, nil
	}
	class, ok := g.classifier.Classify(adm.Path)
	if !ok {
		g.metrics.Admissions.WithLabelValues(string(StateUntracked)).Inc()
		return s, nil
	}

	ctx, span := g.tracer.Start(ctx, "metering.admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", adm.RequestID),
		attribute.String("cost_class", string(class)),
	)

	s.state = StateClassified
	s.class = class
	s.estimate = g.estimator.Estimate(class)

	ctx, cancel := context.WithTimeout(ctx, g.admitTimeout)
	defer cancel()

	if g.resolver != nil {
		res, err := g.resolver.Resolve(ctx, adm.AccountID, adm.Provider)
		if err != nil {
			g.fault(ctx, s, "resolve_credential", err, 0)
		} else if res.Bypass {
			s.state = StateBypass
			s.resolution = res
			g.metrics.Admissions.WithLabelValues(string(StateBypass)).Inc()
			span.SetAttributes(attribute.Bool("byok", true))
			return s, nil
		}
	}

	s.state = StatePrecheck
	// one breaker call per admission
	op := "resolve_target"
	decision, err := breakerCall(g.breaker, func() (billing.Decision, error) {
		target, err := g.ledger.ResolveTarget(ctx, adm.AccountID, adm.OrgID)
		if err != nil {
			return billing.Decision{}, err
		}
		s.target = target
		op = "precheck"
		return g.ledger.Precheck(ctx, target, s.estimate)
	})
	if err != nil {
		g.fault(ctx, s, op, err, 0)
		return g.admitDegraded(s), nil
	}
	target := s.target

	if !decision.Sufficient {
		s.state = StateRejected
		g.metrics.Admissions.WithLabelValues(string(StateRejected)).Inc()
		g.logger.Info("insufficient credits",
			zap.String("request_id", adm.RequestID),
			zap.String("account_id", adm.AccountID),
			zap.String("org_id", target.Org()),
			zap.String("reason", decision.Reason),
			zap.Stringer("estimate", decision.Estimate),
			zap.Stringer("available", decision.Available),
		)
		return s, &credits.InsufficientCreditsError{
			Estimated:  decision.Estimate,
			Available:  decision.Available,
			Shortfall:  decision.Shortfall,
			OrgCredits: billing.IsOrg(target),
			OrgID:      target.Org(),
			Reason:     decision.Reason,
		}
	}

	s.state = StateForwarded
	g.metrics.Admissions.WithLabelValues("allowed").Inc()
	return s, nil
}

func (g *Gateway) admitDegraded(s *Session) *Session {
	s.state = StateForwarded
	g.metrics.Admissions.WithLabelValues("allowed_degraded").Inc()
	return s
}

// UpgradeURL is where rejected callers are sent to buy credits.
func (g *Gateway) UpgradeURL() string {
	return g.upgradeURL
}

func (g *Gateway) fault(ctx context.Context, s *Session, op string, err error, charge credits.Amount) {
	f := credits.NewFault(op, err)
	g.metrics.Faults.WithLabelValues(op).Inc()

	fields := []zap.Field{
		zap.String("op", op),
		zap.String("request_id", s.adm.RequestID),
		zap.String("account_id", s.adm.AccountID),
		zap.String("org_id", s.adm.OrgID),
		zap.String("cost_class", string(s.class)),
		zap.Stringer("estimate", s.estimate),
		zap.String("provider", s.adm.Provider),
		zap.Error(f),
	}
	event := events.BillingFault{
		Op:        op,
		Error:     f.Error(),
		RequestID: s.adm.RequestID,
		AccountID: s.adm.AccountID,
		OrgID:     s.adm.OrgID,
		CostClass: string(s.class),
		Estimate:  s.estimate.String(),
		Provider:  s.adm.Provider,
	}
	if charge != 0 {
		fields = append(fields, zap.Stringer("charge", charge))
		event.Charge = charge.String()
	}
	g.logger.Error("billing fault", fields...)

	if perr := g.publisher.PublishFault(context.WithoutCancel(ctx), event); perr != nil {
		g.logger.Warn("failed to publish billing fault", zap.String("request_id", s.adm.RequestID), zap.Error(perr))
	}
}
