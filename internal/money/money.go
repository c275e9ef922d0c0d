// Package money provides fixed-point currency parsing and conversion between
// major units (dollars, as stored on the escrow row) and minor units (cents,
// as exchanged with the payment provider).
//
// Amounts carry 2 decimal places. Minor-unit conversion never rounds: an
// amount with sub-cent precision is rejected at parse time instead.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 2

var (
	ErrInvalid   = errors.New("invalid amount")
	ErrNegative  = errors.New("amount must not be negative")
	ErrPrecision = errors.New("amount has more than 2 decimal places")
)

var hundred = decimal.NewFromInt(100)

// Parse converts a decimal string (e.g. "500.00") into a fixed-point amount.
//
// Rules:
//   - Empty string is invalid
//   - Negative amounts are rejected
//   - More than 2 significant fractional digits are rejected ("1.005")
//   - Trailing zeros beyond 2 places are accepted ("1.500")
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegative
	}
	if !d.Equal(d.Truncate(Decimals)) {
		return decimal.Zero, ErrPrecision
	}
	return d, nil
}

// ToMinor converts a major-unit amount to minor units (100.00 -> 10000).
// Sub-cent digits are truncated; Parse guarantees there are none.
func ToMinor(d decimal.Decimal) int64 {
	return d.Mul(hundred).Truncate(0).IntPart()
}

// FromMinor converts minor units back to a major-unit amount (10000 -> 100.00).
func FromMinor(cents int64) decimal.Decimal {
	return decimal.New(cents, -Decimals)
}

// Format renders an amount with exactly 2 decimal places (e.g. "500.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}
