// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Every quantity in the ledger is a non-negative 256-bit integer. Any
// operation that would leave that range aborts with an error instead of
// wrapping, so callers can fail the whole operation atomically.
var (
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrUnderflow      = errors.New("arithmetic underflow")
	ErrDivisionByZero = errors.New("division by zero")
)

const (
	// WADDecimals is the precision of share prices and the high-water mark.
	WADDecimals = 18

	// BPSDenominator is the basis-point scale used by fee and reserve rates.
	BPSDenominator = 10_000
)

var (
	WAD = uint256.NewInt(1_000_000_000_000_000_000)
	BPS = uint256.NewInt(BPSDenominator)
)

// RoundingMode selects the direction of a division remainder.
type RoundingMode int

const (
	RoundDown RoundingMode = iota // truncate (default)
	RoundUp
)

// Zero returns a fresh zero value.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// U builds an amount from a uint64.
func U(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// Add returns a + b.
func Add(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).AddOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%s + %s: %w", a.Dec(), b.Dec(), ErrOverflow)
	}
	return z, nil
}

// Sub returns a - b.
func Sub(a, b *uint256.Int) (*uint256.Int, error) {
	z, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, fmt.Errorf("%s - %s: %w", a.Dec(), b.Dec(), ErrUnderflow)
	}
	return z, nil
}

// Mul returns a * b.
func Mul(a, b *uint256.Int) (*uint256.Int, error) {
	z, overflow := new(uint256.Int).MulOverflow(a, b)
	if overflow {
		return nil, fmt.Errorf("%s * %s: %w", a.Dec(), b.Dec(), ErrOverflow)
	}
	return z, nil
}

// Div returns a / b, truncated.
func Div(a, b *uint256.Int) (*uint256.Int, error) {
	if b.IsZero() {
		return nil, ErrDivisionByZero
	}
	return new(uint256.Int).Div(a, b), nil
}

// MulDiv computes a * b / d with a 512-bit intermediate product, so only the
// final quotient has to fit in 256 bits.
func MulDiv(a, b, d *uint256.Int, rounding RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}
	z, overflow := new(uint256.Int).MulDivOverflow(a, b, d)
	if overflow {
		return nil, fmt.Errorf("%s * %s / %s: %w", a.Dec(), b.Dec(), d.Dec(), ErrOverflow)
	}
	if rounding == RoundUp && !new(uint256.Int).MulMod(a, b, d).IsZero() {
		return Add(z, U(1))
	}
	return z, nil
}

// MulBps returns a * bps / 10000, truncated. The product is checked.
func MulBps(a *uint256.Int, bps uint64) (*uint256.Int, error) {
	scaled, err := Mul(a, U(bps))
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Div(scaled, BPS), nil
}

// Min returns the smaller of a and b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// IsZero reports whether v is nil or zero.
func IsZero(v *uint256.Int) bool {
	return v == nil || v.IsZero()
}

// OrZero returns v, or a zero value when v is nil.
func OrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return Zero()
	}
	return v
}

// ParseAmount parses a base-10 amount.
func ParseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return v, nil
}

// MustAmount is ParseAmount for constants and tests.
func MustAmount(s string) *uint256.Int {
	v, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return v
}

// ToDecimal renders a fixed-point value with the given number of decimals.
func ToDecimal(v *uint256.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(OrZero(v).ToBig(), -decimals)
}

// WADToDecimal renders a WAD-scaled value (1e18 = 1.0).
func WADToDecimal(v *uint256.Int) decimal.Decimal {
	return ToDecimal(v, WADDecimals)
}
