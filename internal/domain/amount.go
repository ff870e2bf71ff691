package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// AmountDecimals is the number of implied decimal places in an Amount.
const AmountDecimals = 6

// AmountScale is the number of micro-units in one whole unit.
const AmountScale = 1_000_000

// Amount is a non-negative fixed-point stake in micro-units
// (1 unit == 1_000_000). Pools and votes are stored in this form so that
// money totals never drift through floating point.
type Amount int64

var maxAmount = decimal.NewFromInt(math.MaxInt64)

// AmountFromDecimal converts a decimal to micro-units. Values with more
// than six fractional digits or outside the int64 range are rejected.
func AmountFromDecimal(d decimal.Decimal) (Amount, error) {
	micro := d.Shift(AmountDecimals)
	if !micro.IsInteger() {
		return 0, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, d, AmountDecimals)
	}
	if micro.Abs().GreaterThan(maxAmount) {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidAmount, d)
	}
	return Amount(micro.IntPart()), nil
}

// ParseAmount parses a decimal string such as "12.5" into micro-units.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return AmountFromDecimal(d)
}

// Decimal returns the amount in whole units.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -AmountDecimals)
}

// Float64 returns the display value in whole units. Use only at the
// presentation boundary.
func (a Amount) Float64() float64 {
	return a.Decimal().InexactFloat64()
}

func (a Amount) String() string {
	return a.Decimal().String()
}

// CheckStake validates a single vote amount against the per-vote ceiling.
func CheckStake(a, ceiling Amount) error {
	if a <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if ceiling > 0 && a > ceiling {
		return fmt.Errorf("%w: %s exceeds maximum %s", ErrInvalidAmount, a, ceiling)
	}
	return nil
}
