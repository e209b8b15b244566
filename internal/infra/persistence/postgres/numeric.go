package postgres

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericFromUint64 converts an unsigned amount into a pgtype.Numeric value.
// Amounts use NUMERIC(20,0) columns because BIGINT cannot hold the upper half
// of the uint64 range.
func numericFromUint64(value uint64) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(strconv.FormatUint(value, 10)); err != nil {
		return out, fmt.Errorf("encode numeric %d: %w", value, err)
	}
	return out, nil
}

// uint64FromNumeric narrows a scanned NUMERIC back into uint64.
func uint64FromNumeric(n pgtype.Numeric) (uint64, error) {
	if !n.Valid || n.Int == nil {
		return 0, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return 0, fmt.Errorf("numeric is not a finite value")
	}
	val := new(big.Int).Set(n.Int)
	if n.Exp > 0 {
		val.Mul(val, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	} else if n.Exp < 0 {
		return 0, fmt.Errorf("numeric %s has fractional digits", n.Int)
	}
	if val.Sign() < 0 || !val.IsUint64() {
		return 0, fmt.Errorf("numeric %s out of uint64 range", val)
	}
	return val.Uint64(), nil
}
