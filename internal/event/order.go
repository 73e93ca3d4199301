package event

import (
	"MarketLedger/internal/ledger"

	"github.com/google/uuid"
)

// OrderPlacement adds Balance to the order of Owner at Price. For shorts Price is
// the interest rate and ShortPriceLimit the optional price cap.
type OrderPlacement struct {
	OrderID         uuid.UUID        `json:"order_id"`
	Kind            ledger.OrderKind `json:"kind"`
	Owner           ledger.Address   `json:"owner"`
	Price           ledger.Price     `json:"price"`
	Balance         int64            `json:"balance"`
	ShortPriceLimit *ledger.Price    `json:"short_price_limit,omitempty"`
}

func (o *OrderPlacement) IdempotencyKey() string {
	return o.OrderID.String()
}

func (o *OrderPlacement) TxType() TxType {
	return TxTypeOrder
}

// Key is the book index key the order is stored under.
func (o *OrderPlacement) Key() ledger.MarketIndexKey {
	return ledger.MarketIndexKey{OrderPrice: o.Price, Owner: o.Owner}
}

// FeedPrice sets the median feed of a pair. Feeds are block state, not transactions.
type FeedPrice struct {
	Pair  ledger.PairKey `json:"pair"`
	Price ledger.Price   `json:"price"`
}
