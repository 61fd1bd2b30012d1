// Package helpers provides shared utilities used across the daemon.
package helpers

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// BigInt wraps big.Int so swap amounts serialize as decimal strings in JSON,
// matching the persisted swap record layout.
type BigInt struct {
	big.Int
}

// NewBigInt returns a BigInt holding v.
func NewBigInt(v int64) *BigInt {
	b := new(BigInt)
	b.SetInt64(v)
	return b
}

// NewBigIntFromString parses a decimal string into a BigInt.
func NewBigIntFromString(s string) (*BigInt, error) {
	b := new(BigInt)
	if _, ok := b.SetString(s, 10); !ok {
		return nil, fmt.Errorf("invalid decimal integer: %q", s)
	}
	return b, nil
}

// Wrap returns a BigInt sharing the value of v. A nil v yields nil.
func Wrap(v *big.Int) *BigInt {
	if v == nil {
		return nil
	}
	b := new(BigInt)
	b.Set(v)
	return b
}

// Unwrap returns the underlying big.Int, or nil.
func (b *BigInt) Unwrap() *big.Int {
	if b == nil {
		return nil
	}
	return &b.Int
}

// MarshalJSON encodes the value as a decimal string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	return json.Marshal(b.String())
}

// UnmarshalJSON accepts either a decimal string or a bare JSON number.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Bare number form.
		s = string(data)
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("invalid decimal integer: %q", s)
	}
	return nil
}

// MulDiv returns floor(a*b/c) without mutating its arguments.
func MulDiv(a, b, c *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Div(out, c)
}

// MulDivCeil returns ceil(a*b/c) without mutating its arguments.
func MulDivCeil(a, b, c *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	out.Add(out, new(big.Int).Sub(c, big.NewInt(1)))
	return out.Div(out, c)
}

// TenPow returns 10^n.
func TenPow(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
