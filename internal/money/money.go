// Package money provides shared currency parsing and formatting utilities.
//
// All amounts are stored as int64 in the smallest currency unit
// (1 dollar = 100 cents). Fund math never touches floating point.
package money

import (
	"fmt"
	"strings"
)

// Decimals is the number of decimal places in the display currency.
const Decimals = 2

// Cents is an amount in the smallest currency unit.
type Cents int64

// Parse converts a decimal string (e.g. "1.50") to cents (150).
// Returns (0, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
//   - Negative amounts are allowed (refund deltas use them)
func Parse(s string) (Cents, bool) {
	if s == "" {
		return 0, true
	}

	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, false
	}
	if whole == "" {
		whole = "0"
	}

	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	var total Cents
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return 0, false
		}
		total = total*10 + Cents(r-'0')
	}
	if neg {
		total = -total
	}
	return total, true
}

// MustParse is Parse that panics on invalid input. For constants in tests.
func MustParse(s string) Cents {
	c, ok := Parse(s)
	if !ok {
		panic("money: invalid amount " + s)
	}
	return c
}

// Format converts cents to a decimal string with exactly 2 decimal
// places (e.g. 150 -> "1.50").
func (c Cents) Format() string {
	neg := c < 0
	abs := c
	if neg {
		abs = -abs
	}
	s := fmt.Sprintf("%d.%02d", abs/100, abs%100)
	if neg {
		s = "-" + s
	}
	return s
}

// String implements fmt.Stringer.
func (c Cents) String() string { return c.Format() }

// Percent returns pct percent of c, truncated toward zero to whole cents.
func (c Cents) Percent(pct int64) Cents {
	return Cents(int64(c) * pct / 100)
}

// Min returns the smaller of a and b.
func Min(a, b Cents) Cents {
	if a < b {
		return a
	}
	return b
}
