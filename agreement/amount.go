package agreement

import (
	"fmt"
	"math"
)

// AddAmount adds two non-negative ledger amounts, rejecting overflow.
func AddAmount(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("%w: negative amount", ErrInvalidData)
	}
	if a > math.MaxInt64-b {
		return 0, fmt.Errorf("%w: amount overflow", ErrInvalidData)
	}
	return a + b, nil
}

// MulAmount multiplies a per-unit amount by a unit count, rejecting overflow.
func MulAmount(amount int64, units uint32) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("%w: negative amount", ErrInvalidData)
	}
	if units == 0 || amount == 0 {
		return 0, nil
	}
	if amount > math.MaxInt64/int64(units) {
		return 0, fmt.Errorf("%w: amount overflow", ErrInvalidData)
	}
	return amount * int64(units), nil
}
