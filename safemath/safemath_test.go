package safemath

import (
	"errors"
	"math"
	"testing"
)

func TestAdd64(t *testing.T) {
	got, err := Add64(40, 2)
	if err != nil || got != 42 {
		t.Fatalf("Add64(40, 2) = %d, %v", got, err)
	}
	if _, err := Add64(math.MaxUint64, 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestSub64(t *testing.T) {
	got, err := Sub64(10, 10)
	if err != nil || got != 0 {
		t.Fatalf("Sub64(10, 10) = %d, %v", got, err)
	}
	if _, err := Sub64(1, 2); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestAdd32(t *testing.T) {
	if _, err := Add32(math.MaxUint32, 1); !errors.Is(err, ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
	got, err := Add32(2, 1)
	if err != nil || got != 3 {
		t.Fatalf("Add32(2, 1) = %d, %v", got, err)
	}
}

func TestSaturating(t *testing.T) {
	if got := SaturatingSub64(5, 9); got != 0 {
		t.Fatalf("SaturatingSub64 = %d, want 0", got)
	}
	if got := SaturatingMul64(math.MaxUint64, 2); got != math.MaxUint64 {
		t.Fatalf("SaturatingMul64 = %d, want max", got)
	}
	if got := SaturatingAdd64(math.MaxUint64-1, 5); got != math.MaxUint64 {
		t.Fatalf("SaturatingAdd64 = %d, want max", got)
	}
	if got := SaturatingMul64(3, 7); got != 21 {
		t.Fatalf("SaturatingMul64(3, 7) = %d", got)
	}
}
