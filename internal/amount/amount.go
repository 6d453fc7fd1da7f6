// Package amount provides fixed-precision ledger amount parsing and
// formatting.
//
// The ledger carries 7 decimal places. All amounts are held as big.Int
// in the smallest unit (1 unit of the asset = 10,000,000 base units)
// and move through the system as decimal strings; floating point is
// never used for money.
package amount

import (
	"math/big"
	"strings"
)

const Decimals = 7

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (15000000). Returns (nil, false) on invalid
// input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts longer than 7 digits are rejected; shorter ones
//     are padded to 7
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// More precision than the ledger carries cannot be represented, so
	// refuse it rather than silently drop base units.
	if len(frac) > Decimals {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 7 decimal places (e.g. "1.5000000").
func Format(v *big.Int) string {
	if v == nil {
		return "0.0000000"
	}
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether s parses as a strictly positive amount.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}
