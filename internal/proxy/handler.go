package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/credit-gateway/internal/auth"
	"github.com/vnmchuo/credit-gateway/internal/billing"
	"github.com/vnmchuo/credit-gateway/internal/credits"
	"github.com/vnmchuo/credit-gateway/internal/metering"
	"github.com/vnmchuo/credit-gateway/internal/metrics"
	"github.com/vnmchuo/credit-gateway/internal/provider"
	"github.com/vnmchuo/credit-gateway/pkg/ratelimit"
)

type Handler struct {
	router  *Router
	gateway *metering.Gateway
	ledger  *billing.Ledger
	usage   billing.UsageStore
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
}

type HandlerConfig struct {
	Router  *Router
	Gateway *metering.Gateway
	Ledger  *billing.Ledger
	Usage   billing.UsageStore
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Logger  *zap.Logger
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		router:  cfg.Router,
		gateway: cfg.Gateway,
		ledger:  cfg.Ledger,
		usage:   cfg.Usage,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  logger,
	}
}

// call is one admitted proxy request.
type call struct {
	req      *provider.Request
	provider provider.Provider
	session  *metering.Session
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	c, ok := h.prepare(w, r)
	if !ok {
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "proxy.complete")
	defer span.End()

	start := time.Now()
	response, err := h.router.Execute(ctx, c.req, c.provider)
	h.observeLatency(c.provider, start)
	if err != nil {
		c.session.Abort(err.Error())
		span.RecordError(err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	outcome := c.session.SettleOrDefer(ctx, response, c.provider)
	metering.SetHeaders(w.Header(), c.session, outcome)
	span.SetAttributes(
		attribute.String("billing.state", string(outcome.State)),
		attribute.String("billing.charged", outcome.Charged.String()),
	)

	respID := response.ID
	if respID == "" {
		respID = uuid.New().String()
	}

	var in, out int
	if response.Usage != nil {
		in, out = response.Usage.InputTokens, response.Usage.OutputTokens
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       respID,
		"object":   "chat.completion",
		"model":    response.Model,
		"provider": response.Provider,
		"choices": []interface{}{
			map[string]interface{}{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": response.Content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     in,
			"completion_tokens": out,
			"total_tokens":      in + out,
		},
	})
}

type streamDelta struct {
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
	Index int `json:"index"`
}

func (h *Handler) HandleCompleteStream(w http.ResponseWriter, r *http.Request) {
	c, ok := h.prepare(w, r)
	if !ok {
		return
	}
	ctx, span := h.tracer.Start(r.Context(), "proxy.complete_stream")
	defer span.End()

	flusher, ok := w.(http.Flusher)
	if !ok {
		c.session.Abort("streaming unsupported")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	start := time.Now()
	ch, err := h.router.ExecuteStream(ctx, c.req, c.provider)
	if err != nil {
		h.observeLatency(c.provider, start)
		c.session.Abort(err.Error())
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}

	metering.SetStreamHeaders(w.Header(), c.session)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var (
		usage   *provider.Usage
		content bool
		failed  error
	)
	for chunk := range ch {
		usage = provider.MergeUsage(usage, chunk.Usage)

		if chunk.Err != nil {
			failed = chunk.Err
			payload, _ := json.Marshal(map[string]string{"error": chunk.Err.Error()})
			fmt.Fprintf(w, "event: error\ndata: %s\n\n", payload)
			flusher.Flush()
			break
		}

		if chunk.Delta != "" {
			content = true
			var d streamDelta
			d.Choices = []streamChoice{{}}
			d.Choices[0].Delta.Content = chunk.Delta
			payload, _ := json.Marshal(d)
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}

		if chunk.Done {
			fmt.Fprintf(w, "data: [DONE]\n\n")
			flusher.Flush()
			break
		}
	}
	h.observeLatency(c.provider, start)

	// nothing was delivered, nothing is owed
	if failed != nil && !content {
		c.session.Abort(failed.Error())
		return
	}

	c.session.SettleAsync(ctx, &provider.Response{
		Model:    c.req.Model,
		Provider: c.provider.Name(),
		Usage:    usage,
	}, c.provider)
}

// prepare authenticates, decodes, rate limits, routes and admits the
// request. It writes the error response itself and reports false when the
// request must not be forwarded.
func (h *Handler) prepare(w http.ResponseWriter, r *http.Request) (*call, bool) {
	ctx := r.Context()
	accountID := auth.GetAccountID(ctx)
	if accountID == "" {
		auth.WriteUnauthorized(w, credits.ErrAuthentication.Error())
		return nil, false
	}
	orgID := auth.GetOrgID(ctx)

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return nil, false
	}
	req.AccountID = accountID
	req.RequestID = requestID

	ctx, span := h.tracer.Start(ctx, "proxy.admit")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", accountID),
		attribute.String("org_id", orgID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
	)

	estimatedTokens := req.MaxTokens
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}

	allowed, err := h.limiter.Allow(ctx, accountID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Retry-After", "60s")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return nil, false
	}

	selected, err := h.router.Route(ctx, &req)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return nil, false
	}

	session, err := h.gateway.Admit(ctx, metering.Admission{
		Path:      r.URL.Path,
		AccountID: accountID,
		OrgID:     orgID,
		Provider:  selected.Name(),
		RequestID: requestID,
	})
	var insufficient *credits.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		h.gateway.WriteInsufficientCredits(w, insufficient)
		return nil, false
	}
	if err != nil {
		// Admit only ever rejects for credits; anything else is a bug
		h.logger.Error("unexpected admission error", zap.String("request_id", requestID), zap.Error(err))
	}

	if cred := session.Credential(); session.Bypass() && cred != nil {
		req.APIKey = cred.Secret
	}

	return &call{req: &req, provider: selected, session: session}, true
}

func (h *Handler) observeLatency(p provider.Provider, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.ProviderLatency.WithLabelValues(p.Name()).Observe(time.Since(start).Seconds())
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.GetAccountID(ctx)
	if accountID == "" {
		auth.WriteUnauthorized(w, credits.ErrAuthentication.Error())
		return
	}

	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	records, err := h.usage.GetUsageByAccount(ctx, accountID, from, to)
	if err != nil {
		h.logger.Error("failed to load usage", zap.String("account_id", accountID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	total, err := h.usage.GetTotalChargedByAccount(ctx, accountID, from, to)
	if err != nil {
		h.logger.Error("failed to load usage total", zap.String("account_id", accountID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	if records == nil {
		records = []*billing.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":            accountID,
		"total_requests":        len(records),
		"total_credits_charged": total,
		"records":               records,
		"from":                  from,
		"to":                    to,
	})
}

// HandleBalance reports the balance of the pool the caller's requests are
// billed against.
func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := auth.GetAccountID(ctx)
	if accountID == "" {
		auth.WriteUnauthorized(w, credits.ErrAuthentication.Error())
		return
	}

	target, err := h.ledger.ResolveTarget(ctx, accountID, auth.GetOrgID(ctx))
	if err == nil {
		var balance credits.Amount
		if balance, err = h.ledger.Balance(ctx, target); err == nil {
			body := map[string]interface{}{
				"account_id":  accountID,
				"org_id":      nil,
				"org_credits": billing.IsOrg(target),
				"balance":     balance,
			}
			if org := target.Org(); org != "" {
				body["org_id"] = org
			}
			writeJSON(w, http.StatusOK, body)
			return
		}
	}

	if errors.Is(err, billing.ErrAccountNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "account_not_found"})
		return
	}
	h.logger.Error("failed to load balance", zap.String("account_id", accountID), zap.Error(err))
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "billing_unavailable"})
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object":   "list",
		"provider": h.router.Models(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
