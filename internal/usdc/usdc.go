// Package usdc converts between human USDC amounts ("1.50") and the
// token's smallest unit (1500000), the form every wire amount uses.
package usdc

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

const Decimals = 6

// Parse converts a decimal string to smallest units. Digits beyond six
// decimal places are truncated. Empty input is zero. Negative numbers,
// exponents and signs are rejected.
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.ContainsAny(s, "+-eE") {
		return nil, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, false
	}
	return FromDecimal(d), true
}

// FromDecimal converts a USDC amount to smallest units, truncating.
func FromDecimal(d decimal.Decimal) *big.Int {
	return d.Shift(Decimals).Truncate(0).BigInt()
}

// ToDecimal converts smallest units to a USDC amount.
func ToDecimal(amount *big.Int) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -Decimals)
}

// Format renders smallest units with exactly six decimal places
// ("1.500000").
func Format(amount *big.Int) string {
	return ToDecimal(amount).StringFixed(Decimals)
}

// Human renders smallest units without trailing zeros ("1.5"), for logs
// and tool output.
func Human(amount *big.Int) string {
	return ToDecimal(amount).String()
}
