// Package event defines the blocks the core applies and the transactions they carry.
package event

import (
	"MarketLedger/internal/ledger"
)

// Block is one unit of deterministic input. Transactions apply in field order:
// assets, deposits, orders, feeds, withdrawals; then the optional short cancel and
// the listed pairs in ascending order.
type Block struct {
	Height    uint64 `json:"height"`
	Timestamp int64  `json:"timestamp"`

	Assets          []AssetCreate    `json:"assets,omitempty"`
	Deposits        []Deposit        `json:"deposits,omitempty"`
	Orders          []OrderPlacement `json:"orders,omitempty"`
	FeedPrices      []FeedPrice      `json:"feed_prices,omitempty"`
	Withdrawals     []Withdrawal     `json:"withdrawals,omitempty"`
	CancelAllShorts bool             `json:"cancel_all_shorts,omitempty"`
	Pairs           []ledger.PairKey `json:"pairs,omitempty"`
}

func (b *Block) IdempotencyKey() string {
	return BlockKey(b.Height)
}

// Txs lists the block's transactions in application order.
func (b *Block) Txs() []Tx {
	txs := make([]Tx, 0, len(b.Assets)+len(b.Deposits)+len(b.Orders)+len(b.Withdrawals))
	for i := range b.Assets {
		txs = append(txs, &b.Assets[i])
	}
	for i := range b.Deposits {
		txs = append(txs, &b.Deposits[i])
	}
	for i := range b.Orders {
		txs = append(txs, &b.Orders[i])
	}
	for i := range b.Withdrawals {
		txs = append(txs, &b.Withdrawals[i])
	}
	return txs
}
