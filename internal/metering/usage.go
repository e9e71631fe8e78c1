package metering

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/credit-gateway/internal/billing"
	"github.com/vnmchuo/credit-gateway/internal/credits"
	"github.com/vnmchuo/credit-gateway/internal/provider"
)

var ErrMalformedUsage = errors.New("malformed usage metadata")

// DefaultCreditsPerUSD converts provider USD cost to credits.
var DefaultCreditsPerUSD = decimal.NewFromInt(100)

// Rates prices tokens in USD. provider.Provider satisfies it.
type Rates interface {
	CostPerInputToken() float64
	CostPerOutputToken() float64
}

// Extraction is the exact cost recovered from a response. Available is only
// set when Extract returns no error.
type Extraction struct {
	Available    bool
	Cost         credits.Amount
	InputTokens  int
	OutputTokens int
	Units        int
	Source       string
}

type Extractor struct {
	creditsPerUSD decimal.Decimal
}

func NewExtractor(creditsPerUSD decimal.Decimal) *Extractor {
	if !creditsPerUSD.IsPositive() {
		creditsPerUSD = DefaultCreditsPerUSD
	}
	return &Extractor{creditsPerUSD: creditsPerUSD}
}

// Extract prefers a provider-reported USD cost and otherwise prices the
// token counts with rates. A response without usable usage yields
// credits.ErrUsageUnavailable; the caller charges its estimate instead.
func (x *Extractor) Extract(resp *provider.Response, rates Rates) (Extraction, error) {
	if resp == nil {
		return Extraction{}, credits.ErrUsageUnavailable
	}
	return x.ExtractUsage(resp.Usage, rates)
}

func (x *Extractor) ExtractUsage(u *provider.Usage, rates Rates) (Extraction, error) {
	if u == nil {
		return Extraction{}, credits.ErrUsageUnavailable
	}
	if u.InputTokens < 0 || u.OutputTokens < 0 || u.Units < 0 {
		return Extraction{}, fmt.Errorf("%w: negative count (input=%d output=%d units=%d)",
			ErrMalformedUsage, u.InputTokens, u.OutputTokens, u.Units)
	}

	var usd decimal.Decimal
	switch {
	case u.CostUSD != nil:
		if u.CostUSD.IsNegative() {
			return Extraction{}, fmt.Errorf("%w: negative cost %s", ErrMalformedUsage, u.CostUSD)
		}
		usd = *u.CostUSD
	case rates != nil:
		in := decimal.NewFromInt(int64(u.InputTokens)).Mul(decimal.NewFromFloat(rates.CostPerInputToken()))
		out := decimal.NewFromInt(int64(u.OutputTokens)).Mul(decimal.NewFromFloat(rates.CostPerOutputToken()))
		usd = in.Add(out)
	default:
		return Extraction{}, credits.ErrUsageUnavailable
	}

	return Extraction{
		Available:    true,
		Cost:         credits.FromDecimal(usd.Mul(x.creditsPerUSD)),
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Units:        u.Units,
		Source:       billing.SourceProviderUsage,
	}, nil
}
