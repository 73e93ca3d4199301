package market

import (
	"MarketLedger/internal/ledger"
)

// Order is the tagged variant the matching loop works on. Bids, asks and shorts come
// from their book index; covers come from the collateral index.
type Order struct {
	Kind  ledger.OrderKind
	Key   ledger.MarketIndexKey
	State ledger.OrderRecord

	// cover only
	Collateral   int64
	InterestRate ledger.Price
	Expiration   int64
}

func BidOrder(key ledger.MarketIndexKey, rec ledger.OrderRecord) Order {
	return Order{Kind: ledger.OrderKindBid, Key: key, State: rec}
}

func AskOrder(key ledger.MarketIndexKey, rec ledger.OrderRecord) Order {
	return Order{Kind: ledger.OrderKindAsk, Key: key, State: rec}
}

// ShortOrder wraps a short. Its index price is the interest rate it asks for.
func ShortOrder(key ledger.MarketIndexKey, rec ledger.OrderRecord) Order {
	return Order{Kind: ledger.OrderKindShort, Key: key, State: rec}
}

// CoverOrder wraps a margin position; its balance is the outstanding payoff.
func CoverOrder(key ledger.MarketIndexKey, rec ledger.CollateralRecord) Order {
	return Order{
		Kind:         ledger.OrderKindCover,
		Key:          key,
		State:        ledger.OrderRecord{Balance: rec.PayoffBalance},
		Collateral:   rec.CollateralBalance,
		InterestRate: rec.InterestRate,
		Expiration:   rec.Expiration,
	}
}

func (o *Order) Owner() ledger.Address {
	return o.Key.Owner
}

func (o *Order) Price() ledger.Price {
	return o.Key.OrderPrice
}

// Balance is denominated in quote for bids and covers, in base for asks and shorts.
func (o *Order) Balance() ledger.Asset {
	p := o.Price()
	switch o.Kind {
	case ledger.OrderKindBid, ledger.OrderKindCover:
		return ledger.NewAsset(o.State.Balance, p.QuoteID)
	default:
		return ledger.NewAsset(o.State.Balance, p.BaseID)
	}
}

// Quantity is the order size in base units.
func (o *Order) Quantity() (ledger.Asset, error) {
	switch o.Kind {
	case ledger.OrderKindBid, ledger.OrderKindCover:
		return o.Balance().Mul(o.Price())
	default:
		return o.Balance(), nil
	}
}

// QuoteQuantity is the order size in quote units.
func (o *Order) QuoteQuantity() (ledger.Asset, error) {
	switch o.Kind {
	case ledger.OrderKindBid, ledger.OrderKindCover:
		return o.Balance(), nil
	default:
		return o.Balance().Mul(o.Price())
	}
}
