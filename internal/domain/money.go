package domain

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit is the fixed precision of every stored balance and amount.
const MicrosPerUnit = 1_000_000

var (
	// ErrAmountOutOfRange is returned for values that do not fit in int64 micros.
	ErrAmountOutOfRange = errors.New("amount out of range")

	microsFactor = decimal.NewFromInt(MicrosPerUnit)
	minMicros    = decimal.NewFromInt(math.MinInt64)
	maxMicros    = decimal.NewFromInt(math.MaxInt64)
)

// ToDecimal converts int64 micros to a shopspring/decimal.Decimal.
func ToDecimal(micros int64) decimal.Decimal {
	return decimal.NewFromInt(micros).Div(microsFactor)
}

// FromDecimal converts a decimal.Decimal to int64 micros.
// Digits below one micro are truncated; values outside int64 yield ErrAmountOutOfRange.
func FromDecimal(d decimal.Decimal) (int64, error) {
	micros := d.Mul(microsFactor).Truncate(0)
	if micros.LessThan(minMicros) || micros.GreaterThan(maxMicros) {
		return 0, ErrAmountOutOfRange
	}
	return micros.IntPart(), nil
}

// AddOverflows reports whether a+b would leave the int64 range.
func AddOverflows(a, b int64) bool {
	if b > 0 {
		return a > math.MaxInt64-b
	}
	return a < math.MinInt64-b
}

// FormatMicros renders micros with two decimal places, e.g. 30_500_000 -> "30.50".
func FormatMicros(micros int64) string {
	return ToDecimal(micros).StringFixed(2)
}
