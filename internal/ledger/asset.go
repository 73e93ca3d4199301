package ledger

import (
	"fmt"

	fpmath "MarketLedger/internal/math"

	"github.com/shopspring/decimal"
)

const (
	// PricePrecision scales Price.Ratio: quote units per base unit times 10^18.
	PricePrecision uint64 = 1_000_000_000_000_000_000

	// MaxShares bounds any share supply and normalises interest rates.
	MaxShares int64 = 1_000_000_000_000_000

	priceDecimals = 18
)

var pricePrecision = fpmath.NewUint128(PricePrecision)

// Asset is an amount tagged with its asset id.
type Asset struct {
	Amount  int64   `json:"amount"`
	AssetID AssetID `json:"asset_id"`
}

func NewAsset(amount int64, id AssetID) Asset {
	return Asset{Amount: amount, AssetID: id}
}

func (a Asset) mustMatch(b Asset) {
	if a.AssetID != b.AssetID {
		panic(fmt.Sprintf("FATAL: asset id mismatch: %d vs %d", a.AssetID, b.AssetID))
	}
}

func (a Asset) Add(b Asset) Asset {
	a.mustMatch(b)
	return Asset{Amount: a.Amount + b.Amount, AssetID: a.AssetID}
}

func (a Asset) Sub(b Asset) Asset {
	a.mustMatch(b)
	return Asset{Amount: a.Amount - b.Amount, AssetID: a.AssetID}
}

// Cmp orders two amounts of the same asset.
func (a Asset) Cmp(b Asset) int {
	a.mustMatch(b)
	switch {
	case a.Amount < b.Amount:
		return -1
	case a.Amount > b.Amount:
		return 1
	}
	return 0
}

// Mul converts a through p: base amounts become quote amounts and quote amounts
// become base amounts. Results truncate toward zero.
func (a Asset) Mul(p Price) (Asset, error) {
	switch a.AssetID {
	case p.BaseID:
		v, err := fpmath.MulDiv(a.Amount, p.Ratio, pricePrecision)
		if err != nil {
			return Asset{}, fmt.Errorf("%d of %d at %s: %w", a.Amount, a.AssetID, p, err)
		}
		return Asset{Amount: v, AssetID: p.QuoteID}, nil
	case p.QuoteID:
		v, err := fpmath.MulDiv(a.Amount, pricePrecision, p.Ratio)
		if err != nil {
			return Asset{}, fmt.Errorf("%d of %d at %s: %w", a.Amount, a.AssetID, p, err)
		}
		return Asset{Amount: v, AssetID: p.BaseID}, nil
	}
	return Asset{}, fmt.Errorf("%w: asset %d at price %d/%d", ErrAssetMismatch, a.AssetID, p.QuoteID, p.BaseID)
}

func (a Asset) String() string {
	return fmt.Sprintf("%d#%d", a.Amount, a.AssetID)
}

// MinAsset returns the smallest of amounts sharing one asset id.
func MinAsset(first Asset, rest ...Asset) Asset {
	out := first
	for _, a := range rest {
		if a.Cmp(out) < 0 {
			out = a
		}
	}
	return out
}

// Price is a ratio of quote units per base unit scaled by PricePrecision.
// Prices order by (quote id, base id, ratio), which groups each pair in the indexes.
type Price struct {
	Ratio   fpmath.Uint128 `json:"ratio"`
	QuoteID AssetID        `json:"quote_id"`
	BaseID  AssetID        `json:"base_id"`
}

func NewPrice(ratio fpmath.Uint128, quote, base AssetID) Price {
	return Price{Ratio: ratio, QuoteID: quote, BaseID: base}
}

// ParsePrice reads a decimal string such as "1.25" for the given pair.
func ParsePrice(s string, quote, base AssetID) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("parse price %q: %w", s, err)
	}
	scaled := d.Shift(priceDecimals)
	if !scaled.IsInteger() {
		return Price{}, fmt.Errorf("parse price %q: more than %d decimals", s, priceDecimals)
	}
	ratio, err := fpmath.Uint128FromBig(scaled.BigInt())
	if err != nil {
		return Price{}, fmt.Errorf("parse price %q: %w", s, err)
	}
	return NewPrice(ratio, quote, base), nil
}

// MustParsePrice is ParsePrice for constants and fixtures.
func MustParsePrice(s string, quote, base AssetID) Price {
	p, err := ParsePrice(s, quote, base)
	if err != nil {
		panic(err)
	}
	return p
}

// Divide builds the price a/b. The operand with the larger asset id is the quote.
func Divide(a, b Asset) (Price, error) {
	if a.AssetID == b.AssetID {
		return Price{}, fmt.Errorf("%w: divide %s by %s", ErrAssetMismatch, a, b)
	}
	l, r := a, b
	if l.AssetID < r.AssetID {
		l, r = r, l
	}
	if l.Amount < 0 || r.Amount < 0 {
		return Price{}, fmt.Errorf("divide %s by %s: %w", a, b, fpmath.ErrUnderflow)
	}
	if r.Amount == 0 {
		return Price{}, fmt.Errorf("divide %s by %s: %w", a, b, fpmath.ErrDivideByZero)
	}
	ratio, err := fpmath.MulDivUint128(fpmath.NewUint128(uint64(l.Amount)), pricePrecision, fpmath.NewUint128(uint64(r.Amount)))
	if err != nil {
		return Price{}, fmt.Errorf("divide %s by %s: %w", a, b, err)
	}
	return NewPrice(ratio, l.AssetID, r.AssetID), nil
}

// NextPair is the smallest price of the pair that follows (quote, base) in index order.
func NextPair(quote, base AssetID) Price {
	if base+1 == quote {
		return Price{QuoteID: quote + 1}
	}
	return Price{QuoteID: quote, BaseID: base + 1}
}

// PairStart is the smallest price of (quote, base).
func PairStart(quote, base AssetID) Price {
	return Price{QuoteID: quote, BaseID: base}
}

func (p Price) Cmp(o Price) int {
	switch {
	case p.QuoteID < o.QuoteID:
		return -1
	case p.QuoteID > o.QuoteID:
		return 1
	case p.BaseID < o.BaseID:
		return -1
	case p.BaseID > o.BaseID:
		return 1
	}
	return p.Ratio.Cmp(o.Ratio)
}

func (p Price) Less(o Price) bool {
	return p.Cmp(o) < 0
}

func (p Price) InPair(quote, base AssetID) bool {
	return p.QuoteID == quote && p.BaseID == base
}

func (p Price) IsZero() bool {
	return p == Price{}
}

// Half returns p with its ratio halved.
func (p Price) Half() Price {
	p.Ratio = p.Ratio.Half()
	return p
}

// Scaled multiplies the price by num/den, truncating.
func (p Price) Scaled(num, den uint64) (Price, error) {
	r, err := fpmath.MulDivUint128(p.Ratio, fpmath.NewUint128(num), fpmath.NewUint128(den))
	if err != nil {
		return Price{}, err
	}
	p.Ratio = r
	return p, nil
}

// Decimal renders the ratio as a decimal number of quote units per base unit.
func (p Price) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(p.Ratio.Big(), -priceDecimals)
}

func (p Price) String() string {
	return fmt.Sprintf("%s %d/%d", p.Decimal().String(), p.QuoteID, p.BaseID)
}

// MinPrice returns the lower of two prices.
func MinPrice(a, b Price) Price {
	if b.Less(a) {
		return b
	}
	return a
}

// MaxPrice returns the higher of two prices.
func MaxPrice(a, b Price) Price {
	if a.Less(b) {
		return b
	}
	return a
}
