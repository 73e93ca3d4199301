package math

import (
	"errors"
	"fmt"
	"math/big"
	"math/bits"
	"sync"
)

var (
	ErrOverflow     = errors.New("fixed-point overflow")
	ErrUnderflow    = errors.New("fixed-point underflow")
	ErrDivideByZero = errors.New("fixed-point divide by zero")
)

// bigPool holds scratch big.Ints for 128-bit and wider intermediates
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// Uint128 is an unsigned 128-bit integer. The zero value is 0.
// It is a plain value type so it can be compared with == and used inside map keys.
type Uint128 struct {
	Hi uint64
	Lo uint64
}

func NewUint128(v uint64) Uint128 {
	return Uint128{Lo: v}
}

// Uint128FromBig converts b, failing if it is negative or wider than 128 bits.
func Uint128FromBig(b *big.Int) (Uint128, error) {
	if b.Sign() < 0 {
		return Uint128{}, ErrUnderflow
	}
	if b.BitLen() > 128 {
		return Uint128{}, ErrOverflow
	}

	t := getBig()
	defer putBig(t)

	t.Rsh(b, 64)
	hi := t.Uint64()
	t.Lsh(t, 64)
	t.Sub(b, t)
	return Uint128{Hi: hi, Lo: t.Uint64()}, nil
}

// ParseUint128 parses a base-10 string.
func ParseUint128(s string) (Uint128, error) {
	b, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Uint128{}, fmt.Errorf("parse uint128 %q: invalid integer", s)
	}
	return Uint128FromBig(b)
}

// SetBig stores u into dst and returns dst.
func (u Uint128) SetBig(dst *big.Int) *big.Int {
	dst.SetUint64(u.Hi)
	dst.Lsh(dst, 64)
	lo := getBig()
	lo.SetUint64(u.Lo)
	dst.Or(dst, lo)
	putBig(lo)
	return dst
}

// Big returns u as a freshly allocated big.Int.
func (u Uint128) Big() *big.Int {
	return u.SetBig(new(big.Int))
}

func (u Uint128) IsZero() bool {
	return u.Hi == 0 && u.Lo == 0
}

func (u Uint128) Cmp(v Uint128) int {
	switch {
	case u.Hi < v.Hi:
		return -1
	case u.Hi > v.Hi:
		return 1
	case u.Lo < v.Lo:
		return -1
	case u.Lo > v.Lo:
		return 1
	}
	return 0
}

func (u Uint128) Add(v Uint128) (Uint128, error) {
	lo, carry := bits.Add64(u.Lo, v.Lo, 0)
	hi, carry := bits.Add64(u.Hi, v.Hi, carry)
	if carry != 0 {
		return Uint128{}, ErrOverflow
	}
	return Uint128{Hi: hi, Lo: lo}, nil
}

func (u Uint128) Sub(v Uint128) (Uint128, error) {
	lo, borrow := bits.Sub64(u.Lo, v.Lo, 0)
	hi, borrow := bits.Sub64(u.Hi, v.Hi, borrow)
	if borrow != 0 {
		return Uint128{}, ErrUnderflow
	}
	return Uint128{Hi: hi, Lo: lo}, nil
}

func (u Uint128) Mul64(v uint64) (Uint128, error) {
	hiLo, lo := bits.Mul64(u.Lo, v)
	hiHi, hiMid := bits.Mul64(u.Hi, v)
	if hiHi != 0 {
		return Uint128{}, ErrOverflow
	}
	hi, carry := bits.Add64(hiLo, hiMid, 0)
	if carry != 0 {
		return Uint128{}, ErrOverflow
	}
	return Uint128{Hi: hi, Lo: lo}, nil
}

// Div64 truncates toward zero.
func (u Uint128) Div64(v uint64) (Uint128, error) {
	if v == 0 {
		return Uint128{}, ErrDivideByZero
	}
	q := Uint128{Hi: u.Hi / v}
	q.Lo, _ = bits.Div64(u.Hi%v, u.Lo, v)
	return q, nil
}

// Half returns u/2.
func (u Uint128) Half() Uint128 {
	return Uint128{Hi: u.Hi >> 1, Lo: u.Lo>>1 | u.Hi<<63}
}

// Uint64 returns the value if it fits in 64 bits.
func (u Uint128) Uint64() (uint64, error) {
	if u.Hi != 0 {
		return 0, ErrOverflow
	}
	return u.Lo, nil
}

func (u Uint128) String() string {
	if u.Hi == 0 {
		return fmt.Sprintf("%d", u.Lo)
	}
	return u.Big().String()
}

func (u Uint128) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Uint128) UnmarshalText(text []byte) error {
	v, err := ParseUint128(string(text))
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// MulDiv computes a*m/d with a 256-bit intermediate, truncating toward zero.
// The result must fit in an int64.
func MulDiv(a int64, m, d Uint128) (int64, error) {
	if d.IsZero() {
		return 0, ErrDivideByZero
	}

	num := getBig()
	den := getBig()
	tmp := getBig()
	defer func() {
		putBig(num)
		putBig(den)
		putBig(tmp)
	}()

	num.SetInt64(a)
	num.Mul(num, m.SetBig(tmp))
	num.Quo(num, d.SetBig(den))

	if !num.IsInt64() {
		return 0, ErrOverflow
	}
	return num.Int64(), nil
}

// MulDivUint128 computes a*m/d over unsigned 128-bit operands, truncating.
func MulDivUint128(a, m, d Uint128) (Uint128, error) {
	if d.IsZero() {
		return Uint128{}, ErrDivideByZero
	}

	num := getBig()
	den := getBig()
	tmp := getBig()
	defer func() {
		putBig(num)
		putBig(den)
		putBig(tmp)
	}()

	a.SetBig(num)
	num.Mul(num, m.SetBig(tmp))
	num.Quo(num, d.SetBig(den))
	return Uint128FromBig(num)
}
