package escrow

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	errDivByZero   = errors.New("division by zero")
	errAmountRange = errors.New("amount out of uint64 range")
)

// Price is an exact decimal exchange rate expressed as destination units per
// one source unit. It carries a rational mantissa/scale representation, never
// a binary float, so repeated conversions cannot leak value.
type Price struct {
	d decimal.Decimal
}

// NewPrice parses a decimal string such as "2", "0.5" or "1950.25".
func NewPrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, err
	}
	if d.Sign() < 0 {
		return Price{}, errors.New("price must not be negative")
	}
	return Price{d: d}, nil
}

// MustPrice parses a decimal string and panics on failure. Test helper.
func MustPrice(s string) Price {
	p, err := NewPrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PriceFromDecimal wraps an existing decimal value.
func PriceFromDecimal(d decimal.Decimal) Price {
	return Price{d: d}
}

// IsZero reports whether the price is zero.
func (p Price) IsZero() bool {
	return p.d.Sign() == 0
}

// Cmp compares two prices: -1 when p < other, 0 when equal, +1 when p > other.
func (p Price) Cmp(other Price) int {
	return p.d.Cmp(other.d)
}

// String renders the canonical decimal form with trailing zeros trimmed.
func (p Price) String() string {
	return p.d.String()
}

// Decimal returns the underlying decimal value.
func (p Price) Decimal() decimal.Decimal {
	return p.d
}

// ratio decomposes the price into an integer numerator and denominator,
// i.e. p == num/den exactly.
func (p Price) ratio() (num, den *big.Int) {
	coeff := new(big.Int).Abs(p.d.Coefficient())
	exp := int64(p.d.Exponent())
	if exp >= 0 {
		pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(exp), nil)
		return new(big.Int).Mul(coeff, pow), big.NewInt(1)
	}
	return coeff, new(big.Int).Exp(big.NewInt(10), big.NewInt(-exp), nil)
}

// DstCeil converts a source amount into the destination amount at this price,
// rounding up. Rounding up favours the party receiving the destination asset.
func (p Price) DstCeil(srcAmount uint64) (uint64, error) {
	num, den := p.ratio()
	return ratioMulDiv(srcAmount, num, den, true)
}

// DstFloor converts a source amount into the destination amount, rounding down.
func (p Price) DstFloor(srcAmount uint64) (uint64, error) {
	num, den := p.ratio()
	return ratioMulDiv(srcAmount, num, den, false)
}

// SrcFloor converts a destination amount into the source amount it can buy at
// this price, rounding down.
func (p Price) SrcFloor(dstAmount uint64) (uint64, error) {
	num, den := p.ratio()
	return ratioMulDiv(dstAmount, den, num, false)
}

// MarshalJSON renders the price as a quoted decimal string.
func (p Price) MarshalJSON() ([]byte, error) {
	return p.d.MarshalJSON()
}

// UnmarshalJSON parses a quoted decimal string.
func (p *Price) UnmarshalJSON(data []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(data); err != nil {
		return err
	}
	if d.Sign() < 0 {
		return errors.New("price must not be negative")
	}
	p.d = d
	return nil
}

// ratioMulDiv computes amount*num/den in widened integer arithmetic and
// narrows the result back into uint64 with an explicit range check.
func ratioMulDiv(amount uint64, num, den *big.Int, ceil bool) (uint64, error) {
	if den.Sign() == 0 {
		return 0, errDivByZero
	}
	product := new(big.Int).Mul(new(big.Int).SetUint64(amount), num)
	quo, rem := new(big.Int).QuoRem(product, den, new(big.Int))
	if ceil && rem.Sign() != 0 {
		quo.Add(quo, bigOne)
	}
	if !quo.IsUint64() {
		return 0, errAmountRange
	}
	return quo.Uint64(), nil
}
