// Package safemath provides the checked integer arithmetic used by every
// accumulator and balance update. Overflow is reported as ErrOverflow and is
// never allowed to wrap.
package safemath

import (
	"errors"
	"math"
	"math/bits"
)

// ErrOverflow signals that a checked operation would have wrapped. Callers
// treat it as fatal for the surrounding transaction.
var ErrOverflow = errors.New("safemath: arithmetic overflow")

// Add64 returns a+b or ErrOverflow.
func Add64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub64 returns a-b or ErrOverflow when b > a.
func Sub64(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// Add32 returns a+b or ErrOverflow.
func Add32(a, b uint32) (uint32, error) {
	sum, carry := bits.Add32(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// SaturatingSub64 returns a-b, or 0 when b > a.
func SaturatingSub64(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// SaturatingMul64 returns a*b clamped to math.MaxUint64.
func SaturatingMul64(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}

// SaturatingAdd64 returns a+b clamped to math.MaxUint64.
func SaturatingAdd64(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}
