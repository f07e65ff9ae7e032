// Package wei converts between the chain's smallest integer unit and its
// human decimal unit. All arithmetic goes through shopspring/decimal;
// monetary amounts never touch binary floating point.
package wei

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for non-numeric, non-positive, or
// out-of-range amounts.
var ErrInvalidAmount = errors.New("invalid amount")

const decimals = 18

var (
	weiPerUnit = decimal.New(1, decimals)

	// maxSupply bounds conversions at the approximate total supply of the
	// native asset. Anything above it is a caller mistake, not a transfer.
	maxSupply = decimal.NewFromInt(120_000_000)
)

// ToWei converts a decimal amount string to wei. Sub-wei precision is
// truncated toward zero, never rounded up.
func ToWei(value string) (*big.Int, error) {
	d, err := decimal.NewFromString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrInvalidAmount, value, err)
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("%w: value must be positive, got %s", ErrInvalidAmount, d)
	}
	if d.GreaterThan(maxSupply) {
		return nil, fmt.Errorf("%w: %s exceeds maximum supply", ErrInvalidAmount, d)
	}
	return d.Mul(weiPerUnit).Truncate(0).BigInt(), nil
}

// FromWei converts a wei amount to its decimal representation.
func FromWei(value *big.Int) (decimal.Decimal, error) {
	if value == nil {
		return decimal.Zero, fmt.Errorf("%w: nil value", ErrInvalidAmount)
	}
	if value.Sign() < 0 {
		return decimal.Zero, fmt.Errorf("%w: value must be non-negative, got %s", ErrInvalidAmount, value)
	}
	return decimal.NewFromBigInt(value, 0).Div(weiPerUnit), nil
}

// IsValidAmount reports whether value parses as a strictly positive
// decimal amount.
func IsValidAmount(value string) bool {
	d, err := decimal.NewFromString(value)
	return err == nil && d.Sign() > 0
}
