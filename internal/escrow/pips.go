package escrow

import (
	"fmt"
	"math/big"
)

// Pips is a fixed-point fee rate where one pip equals one millionth of notional.
type Pips uint32

const (
	// OnePip is the smallest representable fee rate.
	OnePip Pips = 1
	// OneBip equals one hundredth of a percent.
	OneBip Pips = 100
	// OnePercent equals one percent of notional.
	OnePercent Pips = 10_000
	// MaxPips is the whole of notional.
	MaxPips Pips = 1_000_000
	// MaxTotalFee caps the aggregate of protocol, surplus and integrator fees at 25%.
	MaxTotalFee Pips = 250_000
)

// Valid reports whether the rate is within the representable range.
func (p Pips) Valid() bool {
	return p <= MaxPips
}

// IsZero reports whether the rate is zero.
func (p Pips) IsZero() bool {
	return p == 0
}

// CheckedAdd returns p+rhs, or false when the sum exceeds MaxPips.
func (p Pips) CheckedAdd(rhs Pips) (Pips, bool) {
	sum := p + rhs
	if sum < p || !sum.Valid() {
		return 0, false
	}
	return sum, true
}

// Fee computes the fee taken from amount at rate p, rounding down.
// The result never exceeds amount, so it always fits back into uint64.
func (p Pips) Fee(amount uint64) uint64 {
	out, err := mulDivFloor(amount, uint64(p), uint64(MaxPips))
	if err != nil {
		// amount*p/1e6 <= amount for p <= MaxPips
		panic(fmt.Sprintf("pips fee narrowed out of range: %v", err))
	}
	return out
}

// mulDivFloor computes floor(a*b/d) with a widened intermediate product,
// failing when the result does not fit into uint64 or d is zero.
func mulDivFloor(a, b, d uint64) (uint64, error) {
	return mulDiv(a, b, d, false)
}

// mulDivCeil computes ceil(a*b/d) with a widened intermediate product,
// failing when the result does not fit into uint64 or d is zero.
func mulDivCeil(a, b, d uint64) (uint64, error) {
	return mulDiv(a, b, d, true)
}

func mulDiv(a, b, d uint64, ceil bool) (uint64, error) {
	if d == 0 {
		return 0, errDivByZero
	}
	num := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
	den := new(big.Int).SetUint64(d)
	quo, rem := new(big.Int).QuoRem(num, den, new(big.Int))
	if ceil && rem.Sign() != 0 {
		quo.Add(quo, bigOne)
	}
	if !quo.IsUint64() {
		return 0, errAmountRange
	}
	return quo.Uint64(), nil
}

var bigOne = big.NewInt(1)
