// Package money provides shared parsing, formatting and fee arithmetic for
// BRL amounts.
//
// Amounts are carried as decimal.Decimal end to end and rounded to whole
// centavos at every boundary where a value is stored or moved.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Places is the number of fractional digits kept for stored amounts.
const Places = 2

var (
	ErrInvalid    = errors.New("invalid amount")
	ErrNegative   = errors.New("amount must not be negative")
	ErrTooPrecise = errors.New("amount has more than 2 decimal places")
)

var hundred = decimal.NewFromInt(100)

// Parse converts a decimal string (e.g. "350.00" or "350,50") into an amount.
//
// Rules:
//   - Empty string returns (0, nil)
//   - A single comma is accepted as decimal separator
//   - Negative amounts are rejected
//   - More than 2 fractional digits are rejected rather than rounded
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
		s = strings.Replace(s, ",", ".", 1)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	if d.Exponent() < -Places && !d.Equal(d.Round(Places)) {
		return decimal.Zero, ErrTooPrecise
	}
	return d.Round(Places), nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: " + err.Error() + ": " + s)
	}
	return d
}

// Format renders an amount with exactly two decimals ("350.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// BRL renders an amount for user-facing messages ("R$ 350,00").
func BRL(d decimal.Decimal) string {
	return "R$ " + strings.Replace(d.StringFixed(Places), ".", ",", 1)
}

// Round rounds to whole centavos, half away from zero.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Percent returns value * pct / 100 rounded to centavos.
func Percent(value, pct decimal.Decimal) decimal.Decimal {
	return Round(value.Mul(pct).Div(hundred))
}

// Split divides an amount into two shares that always sum back to the
// original amount. An odd centavo goes to the second share.
func Split(d decimal.Decimal) (first, second decimal.Decimal) {
	first = d.Div(decimal.NewFromInt(2)).RoundDown(Places)
	return first, d.Sub(first)
}

// Shortfall returns max(0, required - available).
func Shortfall(required, available decimal.Decimal) decimal.Decimal {
	if available.GreaterThanOrEqual(required) {
		return decimal.Zero
	}
	return required.Sub(available)
}

// ChangeRatio returns (next - current) / current, or zero when current is zero.
func ChangeRatio(current, next decimal.Decimal) decimal.Decimal {
	if current.IsZero() {
		return decimal.Zero
	}
	return next.Sub(current).Div(current)
}
