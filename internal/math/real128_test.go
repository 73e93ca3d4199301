package math_test

import (
	"errors"
	"testing"

	fpmath "MarketLedger/internal/math"
)

func mustReal(t *testing.T, n int64) fpmath.Real128 {
	t.Helper()
	r, err := fpmath.Real128FromInt64(n)
	if err != nil {
		t.Fatalf("real128(%d): %v", n, err)
	}
	return r
}

func TestReal128_DivThenMul(t *testing.T) {
	one := mustReal(t, 1)
	three := mustReal(t, 3)

	third, err := one.Div(three)
	if err != nil {
		t.Fatalf("div: %v", err)
	}
	if third.String() != "0.333333333333333333" {
		t.Errorf("1/3: got %s", third)
	}

	back, err := third.Mul(three)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	// truncation loses the last unit
	if back.String() != "0.999999999999999999" {
		t.Errorf("1/3*3: got %s", back)
	}
	whole, _ := back.ToUint64()
	if whole != 0 {
		t.Errorf("to_uint64 should truncate, got %d", whole)
	}
}

func TestReal128_InterestShape(t *testing.T) {
	// 1000 * 0.1 * (half a year) == 50
	principal := mustReal(t, 1000)
	rate, _ := mustReal(t, 1).Div(mustReal(t, 10))
	half, _ := mustReal(t, 1).Div(mustReal(t, 2))

	owed, err := principal.Mul(rate)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	owed, err = owed.Mul(half)
	if err != nil {
		t.Fatalf("mul: %v", err)
	}
	got, err := owed.ToInt64()
	if err != nil {
		t.Fatalf("to int64: %v", err)
	}
	if got != 50 {
		t.Errorf("got %d, want 50", got)
	}
}

func TestReal128_Errors(t *testing.T) {
	if _, err := fpmath.Real128FromInt64(-1); !errors.Is(err, fpmath.ErrUnderflow) {
		t.Errorf("negative: got %v", err)
	}
	if _, err := mustReal(t, 1).Div(fpmath.Real128{}); !errors.Is(err, fpmath.ErrDivideByZero) {
		t.Errorf("div zero: got %v", err)
	}
	if _, err := mustReal(t, 1).Sub(mustReal(t, 2)); !errors.Is(err, fpmath.ErrUnderflow) {
		t.Errorf("sub: got %v", err)
	}
	big := fpmath.Real128FromFixed(fpmath.Uint128{Hi: 1 << 62})
	if _, err := big.Mul(big); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("mul: got %v", err)
	}
}
