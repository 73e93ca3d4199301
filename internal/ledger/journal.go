package ledger

import (
	"github.com/google/uuid"
)

// OrderKind tags the variant of an order.
type OrderKind uint8

const (
	OrderKindNone OrderKind = iota
	OrderKindBid
	OrderKindAsk
	OrderKindShort
	OrderKindCover
)

func (k OrderKind) String() string {
	switch k {
	case OrderKindBid:
		return "bid"
	case OrderKindAsk:
		return "ask"
	case OrderKindShort:
		return "short"
	case OrderKindCover:
		return "cover"
	default:
		return "none"
	}
}

// ParseOrderKind accepts the names returned by String.
func ParseOrderKind(s string) (OrderKind, bool) {
	switch s {
	case "bid":
		return OrderKindBid, true
	case "ask":
		return OrderKindAsk, true
	case "short":
		return OrderKindShort, true
	case "cover":
		return OrderKindCover, true
	}
	return OrderKindNone, false
}

// MarketTransaction is one settled match, or an automatic short cancel.
type MarketTransaction struct {
	ID uuid.UUID `json:"id"`

	BidOwner Address   `json:"bid_owner"`
	AskOwner Address   `json:"ask_owner"`
	BidPrice Price     `json:"bid_price"`
	AskPrice Price     `json:"ask_price"`
	BidType  OrderKind `json:"bid_type"`
	AskType  OrderKind `json:"ask_type"`

	BidPaid     Asset `json:"bid_paid"`
	BidReceived Asset `json:"bid_received"`
	AskPaid     Asset `json:"ask_paid"`
	AskReceived Asset `json:"ask_received"`

	FeesCollected      Asset  `json:"fees_collected"`
	ReturnedCollateral *Asset `json:"returned_collateral,omitempty"`
	ShortCollateral    *Asset `json:"short_collateral,omitempty"`
}

// IsAutomaticCancel reports whether the transaction refunds a cancelled short.
func (t *MarketTransaction) IsAutomaticCancel() bool {
	return t.BidType == OrderKindShort &&
		t.AskType == OrderKindNone &&
		t.AskPaid.Amount == 0 &&
		t.AskReceived.Amount == 0 &&
		t.BidPaid.Amount == 0
}
