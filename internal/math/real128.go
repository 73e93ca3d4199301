package math

// Real128Precision is the fixed scale of Real128: 18 decimal places.
const Real128Precision uint64 = 1_000_000_000_000_000_000

var real128Scale = NewUint128(Real128Precision)

// Real128 is a non-negative fixed-point real number with 18 decimal places held in
// 128 bits. Every operation truncates toward zero and reports overflow instead of
// wrapping, so results are identical on every platform.
type Real128 struct {
	fixed Uint128
}

// NewReal128 returns the real number equal to the integer n.
func NewReal128(n uint64) Real128 {
	// n < 2^64 and the scale < 2^60, so the product always fits
	v, _ := NewUint128(n).Mul64(Real128Precision)
	return Real128{fixed: v}
}

// Real128FromInt64 converts a non-negative integer amount.
func Real128FromInt64(n int64) (Real128, error) {
	if n < 0 {
		return Real128{}, ErrUnderflow
	}
	return NewReal128(uint64(n)), nil
}

// Real128FromFixed wraps an already scaled value.
func Real128FromFixed(fixed Uint128) Real128 {
	return Real128{fixed: fixed}
}

func (r Real128) Fixed() Uint128 {
	return r.fixed
}

func (r Real128) IsZero() bool {
	return r.fixed.IsZero()
}

func (r Real128) Cmp(o Real128) int {
	return r.fixed.Cmp(o.fixed)
}

func (r Real128) Add(o Real128) (Real128, error) {
	v, err := r.fixed.Add(o.fixed)
	return Real128{fixed: v}, err
}

func (r Real128) Sub(o Real128) (Real128, error) {
	v, err := r.fixed.Sub(o.fixed)
	return Real128{fixed: v}, err
}

func (r Real128) Mul(o Real128) (Real128, error) {
	v, err := MulDivUint128(r.fixed, o.fixed, real128Scale)
	return Real128{fixed: v}, err
}

func (r Real128) Div(o Real128) (Real128, error) {
	if o.fixed.IsZero() {
		return Real128{}, ErrDivideByZero
	}
	v, err := MulDivUint128(r.fixed, real128Scale, o.fixed)
	return Real128{fixed: v}, err
}

// ToUint64 drops the fractional part.
func (r Real128) ToUint64() (uint64, error) {
	whole, err := r.fixed.Div64(Real128Precision)
	if err != nil {
		return 0, err
	}
	return whole.Uint64()
}

// ToInt64 drops the fractional part and requires the result to fit an int64 amount.
func (r Real128) ToInt64() (int64, error) {
	v, err := r.ToUint64()
	if err != nil {
		return 0, err
	}
	if v > 1<<63-1 {
		return 0, ErrOverflow
	}
	return int64(v), nil
}

func (r Real128) String() string {
	whole, _ := r.fixed.Div64(Real128Precision)
	frac, _ := r.fixed.Sub(mustMul(whole, Real128Precision))
	s := frac.String()
	for len(s) < 18 {
		s = "0" + s
	}
	return whole.String() + "." + s
}

func mustMul(u Uint128, v uint64) Uint128 {
	out, err := u.Mul64(v)
	if err != nil {
		panic("FATAL: real128 scale overflow")
	}
	return out
}
