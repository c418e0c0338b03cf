// Package numeric provides fixed-point price conversions used across services.
package numeric

import (
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceScale is the fixed-point denominator for stored prices: four decimal
// places preserve sub-cent quotes without floating-point drift.
const PriceScale = 10_000

var (
	scaleDec    = decimal.NewFromInt(PriceScale)
	maxInt64Big = big.NewInt(math.MaxInt64)
	minInt64Big = big.NewInt(math.MinInt64)
)

// PriceToFixed converts a float price into the int64 fixed-point form,
// rounding half-to-even and saturating at the int64 bounds. NaN and
// infinities report ok=false.
func PriceToFixed(v float64) (int64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	scaled := decimal.NewFromFloat(v).Mul(scaleDec).RoundBank(0)
	return clampToInt64(scaled), true
}

// PriceFromFixed converts a stored fixed-point price back to a float.
func PriceFromFixed(v int64) float64 {
	return float64(v) / PriceScale
}

// PriceStringToFixed parses a decimal string and converts it like PriceToFixed.
func PriceStringToFixed(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, false
	}
	return clampToInt64(d.Mul(scaleDec).RoundBank(0)), true
}

// QuantityToInt truncates a float quantity toward zero into an int64,
// saturating at the bounds. NaN and infinities report ok=false.
func QuantityToInt(v float64) (int64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64, true
	}
	if v <= math.MinInt64 {
		return math.MinInt64, true
	}
	return int64(v), true
}

func clampToInt64(d decimal.Decimal) int64 {
	i := d.BigInt()
	if i.Cmp(maxInt64Big) > 0 {
		return math.MaxInt64
	}
	if i.Cmp(minInt64Big) < 0 {
		return math.MinInt64
	}
	return i.Int64()
}
