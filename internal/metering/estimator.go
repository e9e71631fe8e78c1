package metering

import (
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/credit-gateway/internal/credits"
)

// Price is the static estimate for a class: NominalUnits × UnitPrice credits.
type Price struct {
	NominalUnits int64
	UnitPrice    decimal.Decimal
}

func (p Price) Estimate() credits.Amount {
	return credits.FromDecimal(decimal.NewFromInt(p.NominalUnits).Mul(p.UnitPrice))
}

func DefaultPrices() map[CostClass]Price {
	return map[CostClass]Price{
		ClassChatCompletion:  {NominalUnits: 1000, UnitPrice: decimal.RequireFromString("0.009")},
		ClassEmbedding:       {NominalUnits: 1000, UnitPrice: decimal.RequireFromString("0.0001")},
		ClassImageGeneration: {NominalUnits: 1, UnitPrice: decimal.RequireFromString("4.0")},
	}
}

// Estimator sizes the precheck. It does no I/O and only ever reads its table.
type Estimator struct {
	table    map[CostClass]credits.Amount
	fallback credits.Amount
}

// NewEstimator precomputes every class. Unknown classes are estimated as
// fallbackClass, or as the largest configured estimate when fallbackClass is
// not in the table.
func NewEstimator(prices map[CostClass]Price, fallbackClass CostClass) *Estimator {
	e := &Estimator{table: make(map[CostClass]credits.Amount, len(prices))}
	for class, p := range prices {
		amount := p.Estimate()
		e.table[class] = amount
		if amount > e.fallback {
			e.fallback = amount
		}
	}
	if amount, ok := e.table[fallbackClass]; ok {
		e.fallback = amount
	}
	return e
}

func (e *Estimator) Estimate(class CostClass) credits.Amount {
	if amount, ok := e.table[class]; ok {
		return amount
	}
	return e.fallback
}
