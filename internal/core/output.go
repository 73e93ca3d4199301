package core

import (
	"time"

	"MarketLedger/internal/event"
	"MarketLedger/internal/ledger"
)

// TxResult reports one block transaction. Rejected transactions leave no state behind.
type TxResult struct {
	Key        string            `json:"key"`
	Type       event.TxType      `json:"type"`
	Applied    bool              `json:"applied"`
	Error      string            `json:"error,omitempty"`
	Withdrawal *WithdrawalResult `json:"withdrawal,omitempty"`
}

// WithdrawalResult is what an applied withdrawal moved.
type WithdrawalResult struct {
	BalanceID ledger.Address           `json:"balance_id"`
	AssetID   ledger.AssetID           `json:"asset_id"`
	Amount    int64                    `json:"amount"`
	Yield     int64                    `json:"yield"`
	Votes     map[ledger.SlateID]int64 `json:"votes,omitempty"`
}

// PairResult reports one pair execution. Error is set when the pair's changes were
// discarded; Class is then "operational" or "invariant". Forgiven is quote debt
// written off against the fee pool.
type PairResult struct {
	Pair     ledger.PairKey             `json:"pair"`
	Executed bool                       `json:"executed"`
	Trades   []ledger.MarketTransaction `json:"trades,omitempty"`
	Forgiven int64                      `json:"forgiven,omitempty"`
	Error    string                     `json:"error,omitempty"`
	Class    string                     `json:"class,omitempty"`
}

// HistoryEntry is a market history bucket touched by the block.
type HistoryEntry struct {
	Key    ledger.MarketHistoryKey    `json:"key"`
	Record ledger.MarketHistoryRecord `json:"record"`
}

// BlockOutput is everything the shell needs from one applied block.
type BlockOutput struct {
	Block    *event.Block
	Envelope event.BlockEnvelope

	Txs       []TxResult
	Cancelled []ledger.MarketTransaction
	Pairs     []PairResult
	Statuses  []ledger.MarketStatus
	History   []HistoryEntry

	// Wall clock time the block was committed; not part of the state hash.
	AppliedAt time.Time
}

// Trades returns every market transaction of the block in execution order.
func (o *BlockOutput) Trades() []ledger.MarketTransaction {
	n := len(o.Cancelled)
	for _, p := range o.Pairs {
		n += len(p.Trades)
	}
	out := make([]ledger.MarketTransaction, 0, n)
	out = append(out, o.Cancelled...)
	for _, p := range o.Pairs {
		out = append(out, p.Trades...)
	}
	return out
}
