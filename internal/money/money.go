// Package money provides decimal parsing and formatting for monetary amounts.
//
// All amounts cross package boundaries as decimal strings ("400.00") and are
// computed with shopspring/decimal, never float64, so reward payouts sum
// exactly.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Zero is the canonical zero amount string.
const Zero = "0.00"

// Parse converts an amount string into a decimal. Rejects empty and
// non-numeric input.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// Format renders a decimal as a two-place amount string.
func Format(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// Sum adds amount strings, returning the formatted total.
// Malformed entries are rejected.
func Sum(amounts ...string) (string, error) {
	total := decimal.Zero
	for _, a := range amounts {
		d, err := Parse(a)
		if err != nil {
			return "", err
		}
		total = total.Add(d)
	}
	return Format(total), nil
}

// IsPositive reports whether the amount parses and is strictly greater
// than zero.
func IsPositive(s string) bool {
	d, err := Parse(s)
	return err == nil && d.IsPositive()
}
