package crypto

import (
	"errors"
	"math/big"
)

// ErrInvalidModulus is returned by ModExp for a modulus that is not positive.
var ErrInvalidModulus = errors.New("modulus must be positive")

// ErrNegativeExponent is returned by ModExp for an exponent below zero.
var ErrNegativeExponent = errors.New("exponent must not be negative")

// ModExp computes base^exp mod m by left-to-right square-and-multiply.
func ModExp(base, exp, m *big.Int) (*big.Int, error) {
	if m.Sign() <= 0 {
		return nil, ErrInvalidModulus
	}
	if exp.Sign() < 0 {
		return nil, ErrNegativeExponent
	}

	result := big.NewInt(1)
	b := new(big.Int).Mod(base, m)

	for i := exp.BitLen() - 1; i >= 0; i-- {
		result.Mul(result, result)
		result.Mod(result, m)

		if exp.Bit(i) == 1 {
			result.Mul(result, b)
			result.Mod(result, m)
		}
	}

	// m == 1 leaves result at 1 when exp == 0
	return result.Mod(result, m), nil
}
