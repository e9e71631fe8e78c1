package metering

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/vnmchuo/credit-gateway/internal/credits"
)

const (
	HeaderCreditsUsed      = "X-Credits-Used"
	HeaderCreditsRemaining = "X-Credits-Remaining"
	HeaderCreditsEstimated = "X-Credits-Estimated"
	HeaderCreditsRequired  = "X-Credits-Required"
	HeaderOrgCredits       = "X-Org-Credits"
	HeaderBYOK             = "X-BYOK"
	HeaderBYOKProvider     = "X-BYOK-Provider"
	HeaderBillingDegraded  = "X-Billing-Degraded"
)

// SetHeaders writes the billing headers for a settled request. Untracked
// requests get none.
func SetHeaders(h http.Header, s *Session, o Outcome) {
	if !s.Tracked() {
		return
	}
	setIdentityHeaders(h, s)

	switch o.State {
	case StateReconciled:
		h.Set(HeaderCreditsUsed, o.Charged.String())
		if o.HasRemaining {
			h.Set(HeaderCreditsRemaining, o.Remaining.String())
		}
	case StateReconcileDegraded:
		h.Set(HeaderCreditsUsed, credits.Zero.String())
		h.Set(HeaderBillingDegraded, "true")
	case StateCompleted:
		// deferred: the charge is not known yet
		h.Set(HeaderCreditsEstimated, s.Estimate().String())
	default:
		h.Set(HeaderCreditsUsed, credits.Zero.String())
	}
}

// SetStreamHeaders is used before a streamed body is written, when the
// charge is not known yet.
func SetStreamHeaders(h http.Header, s *Session) {
	if !s.Tracked() {
		return
	}
	setIdentityHeaders(h, s)

	if s.Bypass() {
		h.Set(HeaderCreditsUsed, credits.Zero.String())
		return
	}
	h.Set(HeaderCreditsEstimated, s.Estimate().String())
}

func setIdentityHeaders(h http.Header, s *Session) {
	h.Set(HeaderOrgCredits, strconv.FormatBool(s.OrgCredits()))
	h.Set(HeaderBYOK, strconv.FormatBool(s.Bypass()))
	if s.Bypass() {
		h.Set(HeaderBYOKProvider, s.BYOKProvider())
	}
}

type insufficientCreditsBody struct {
	Error         string         `json:"error"`
	Message       string         `json:"message"`
	EstimatedCost credits.Amount `json:"estimated_cost"`
	OrgCredits    bool           `json:"org_credits"`
	OrgID         *string        `json:"org_id"`
	UpgradeURL    string         `json:"upgrade_url"`
}

// WriteInsufficientCredits writes the 402 rejection.
func (g *Gateway) WriteInsufficientCredits(w http.ResponseWriter, err *credits.InsufficientCreditsError) {
	body := insufficientCreditsBody{
		Error:         "insufficient_credits",
		Message:       err.Error(),
		EstimatedCost: err.Estimated,
		OrgCredits:    err.OrgCredits,
		UpgradeURL:    g.upgradeURL,
	}
	if err.OrgID != "" {
		body.OrgID = &err.OrgID
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(HeaderCreditsRequired, err.Estimated.String())
	w.Header().Set(HeaderOrgCredits, strconv.FormatBool(err.OrgCredits))
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(body)
}
