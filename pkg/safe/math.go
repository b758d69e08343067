package safe

import (
	"errors"
	"math"
	"math/bits"
)

// ErrOverflow is returned by the checked helpers when a result does not fit in 64 bits.
var ErrOverflow = errors.New("arithmetic overflow")

// AddU64 returns a+b or ErrOverflow.
func AddU64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// SaturatingAddU64 returns a+b, clamped to math.MaxUint64.
func SaturatingAddU64(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

// SubU64 returns a-b or ErrOverflow when b > a.
func SubU64(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// MulDiv returns floor(a*b/d) using a 128-bit intermediate product.
// ErrOverflow is returned when d is zero or the quotient needs more than 64 bits.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrOverflow
	}
	hi, lo := bits.Mul64(a, b)
	// bits.Div64 panics when hi >= d, which is exactly the "quotient does not fit" case.
	if hi >= d {
		return 0, ErrOverflow
	}
	quo, _ := bits.Div64(hi, lo, d)
	return quo, nil
}

// MustAddU64 performs uint64 addition and panics on overflow.
// Use only where the caller has already validated the operands.
func MustAddU64(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		panic("CORE_SAFE_ADD_OVERFLOW")
	}
	return a + b
}

// MustSubU64 performs uint64 subtraction and panics on underflow.
func MustSubU64(a, b uint64) uint64 {
	if b > a {
		panic("CORE_SAFE_SUB_UNDERFLOW")
	}
	return a - b
}
