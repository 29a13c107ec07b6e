package common

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// CheckAmount validates that amount is a strictly positive value inside the
// unsigned 256-bit domain used for every ledger quantity.
func CheckAmount(label string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: %s: invalid amount", ErrInputInvalid, label)
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return fmt.Errorf("%w: %s: amount overflows 256 bits", ErrInputInvalid, label)
	}
	return nil
}

// Copy returns a defensive copy, mapping nil to zero.
func Copy(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// Get reads a big.Int map entry, returning a copy or zero.
func Get[K comparable](m map[K]*big.Int, key K) *big.Int {
	return Copy(m[key])
}

// Put stores value in m, pruning zero entries so snapshots stay compact.
func Put[K comparable](m map[K]*big.Int, key K, value *big.Int) {
	if value == nil || value.Sign() == 0 {
		delete(m, key)
		return
	}
	m[key] = new(big.Int).Set(value)
}
