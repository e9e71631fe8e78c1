// Package credits defines the billing unit used across the gateway and the
// errors that decide how a request is treated when billing goes wrong.
//
// Every quantity is an Amount: an integer count of millicredits. Decimal
// conversion only happens at the edges (config, headers, JSON bodies).
package credits

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MillisPerCredit is the number of millicredits in one credit.
const MillisPerCredit = 1000

// Amount is a signed quantity of millicredits.
type Amount int64

// Zero is the empty amount.
const Zero Amount = 0

// FromCredits converts a whole number of credits.
func FromCredits(n int64) Amount {
	return Amount(n * MillisPerCredit)
}

// FromDecimal converts a credit value, rounding half away from zero to the
// nearest millicredit.
func FromDecimal(d decimal.Decimal) Amount {
	return Amount(d.Shift(3).Round(0).IntPart())
}

// Parse reads a decimal credit string such as "42.8".
func Parse(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid credit amount %q: %w", s, err)
	}
	return FromDecimal(d), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Decimal returns the amount in credits.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -3)
}

// String renders the amount in credits without trailing zeros ("7.2", "0").
func (a Amount) String() string {
	return a.Decimal().String()
}

// Millis returns the raw millicredit count.
func (a Amount) Millis() int64 {
	return int64(a)
}

func (a Amount) Neg() Amount {
	return -a
}

func (a Amount) IsNegative() bool {
	return a < 0
}

// MarshalJSON renders the amount as a JSON number in credits.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or string in credits.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	*a = FromDecimal(d)
	return nil
}

// Min returns the smaller of two amounts.
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}
