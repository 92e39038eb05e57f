// Package usdc provides USDC parsing, formatting and fee arithmetic.
//
// USDC uses 6 decimal places. Amounts are handled as big.Int in the
// smallest unit (1 USDC = 1,000,000 units) and persisted as decimal strings.
package usdc

import (
	"math/big"
	"strings"
)

const Decimals = 6

// BasisPoints is the denominator for fee rates.
const BasisPoints = 10000

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Negative values, signs, more than one decimal point, empty parts and
// precision beyond 6 decimals are rejected.
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if whole == "" || (hasDot && frac == "") {
		return nil, false
	}
	if !digitsOnly(whole) || !digitsOnly(frac) {
		return nil, false
	}
	if len(frac) > Decimals {
		return nil, false
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a decimal string with
// exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Display formats an amount for people: two decimals minimum, trailing
// zeros beyond that trimmed ("50.00", "12.345").
func Display(amount *big.Int) string {
	s := Format(amount)
	whole, frac, _ := strings.Cut(s, ".")
	frac = strings.TrimRight(frac, "0")
	for len(frac) < 2 {
		frac += "0"
	}
	return whole + "." + frac
}

// Normalize re-renders a decimal string in canonical 6-decimal form.
func Normalize(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}

// FeeSplit divides amount into a fee of feeBps basis points (rounded down)
// and the remainder due to the payee. fee + due == amount always holds.
func FeeSplit(amount *big.Int, feeBps int64) (fee, due *big.Int) {
	if amount == nil {
		return big.NewInt(0), big.NewInt(0)
	}
	fee = new(big.Int).Mul(amount, big.NewInt(feeBps))
	fee.Quo(fee, big.NewInt(BasisPoints))
	due = new(big.Int).Sub(amount, fee)
	return fee, due
}

// InRange reports whether min <= amount <= max.
func InRange(amount, min, max *big.Int) bool {
	return amount.Cmp(min) >= 0 && amount.Cmp(max) <= 0
}

func digitsOnly(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
