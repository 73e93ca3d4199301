package persistence

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"MarketLedger/internal/core"
)

// BlockRow is a row of block_log.blocks.
type BlockRow struct {
	Height    uint64
	BlockTime int64
	Payload   []byte // JSON-encoded block
	StateHash []byte
	PrevHash  []byte
}

// TxRow is a row of block_log.transactions.
type TxRow struct {
	Height         uint64
	Position       int
	TxType         string
	IdempotencyKey string
	Applied        bool
	Error          *string
}

// TradeRow is a row of block_log.market_transactions.
type TradeRow struct {
	ID                 uuid.UUID
	Height             uint64
	Position           int
	QuoteID            uint32
	BaseID             uint32
	BidOwner           string
	AskOwner           string
	BidType            string
	AskType            string
	BidPrice           decimal.Decimal
	AskPrice           decimal.Decimal
	BidPaid            int64
	BidReceived        int64
	AskPaid            int64
	AskReceived        int64
	FeesAsset          uint32
	FeesCollected      int64
	ReturnedCollateral *int64
	ShortCollateral    *int64
}

// WithdrawalRow is a row of block_log.withdrawals.
type WithdrawalRow struct {
	Height         uint64
	IdempotencyKey string
	BalanceID      string
	AssetID        uint32
	Amount         int64
	Yield          int64
}

// HistoryRow is a row of block_log.market_history. The core hands over the merged
// bucket, so writes replace the stored row.
type HistoryRow struct {
	QuoteID      uint32
	BaseID       uint32
	Granularity  string
	BucketTime   int64
	HighestBid   decimal.Decimal
	LowestAsk    decimal.Decimal
	OpeningPrice decimal.Decimal
	ClosingPrice decimal.Decimal
	Volume       int64
	Height       uint64
}

// BlockRows is everything written for one block.
type BlockRows struct {
	Block       BlockRow
	Txs         []TxRow
	Trades      []TradeRow
	Withdrawals []WithdrawalRow
	History     []HistoryRow
}

// RowsFromOutput flattens a processed block into table rows.
func RowsFromOutput(out *core.BlockOutput) BlockRows {
	env := out.Envelope
	rows := BlockRows{
		Block: BlockRow{
			Height:    env.Height,
			BlockTime: env.Timestamp,
			Payload:   env.Payload,
			StateHash: append([]byte(nil), env.StateHash[:]...),
			PrevHash:  append([]byte(nil), env.PrevHash[:]...),
		},
	}

	for i, r := range out.Txs {
		row := TxRow{
			Height:         env.Height,
			Position:       i,
			TxType:         r.Type.String(),
			IdempotencyKey: r.Key,
			Applied:        r.Applied,
		}
		if r.Error != "" {
			msg := r.Error
			row.Error = &msg
		}
		rows.Txs = append(rows.Txs, row)

		if w := r.Withdrawal; w != nil && r.Applied {
			rows.Withdrawals = append(rows.Withdrawals, WithdrawalRow{
				Height:         env.Height,
				IdempotencyKey: r.Key,
				BalanceID:      w.BalanceID.String(),
				AssetID:        uint32(w.AssetID),
				Amount:         w.Amount,
				Yield:          w.Yield,
			})
		}
	}

	for i, t := range out.Trades() {
		row := TradeRow{
			ID:            t.ID,
			Height:        env.Height,
			Position:      i,
			QuoteID:       uint32(t.BidPrice.QuoteID),
			BaseID:        uint32(t.BidPrice.BaseID),
			BidOwner:      t.BidOwner.String(),
			AskOwner:      t.AskOwner.String(),
			BidType:       t.BidType.String(),
			AskType:       t.AskType.String(),
			BidPrice:      t.BidPrice.Decimal(),
			AskPrice:      t.AskPrice.Decimal(),
			BidPaid:       t.BidPaid.Amount,
			BidReceived:   t.BidReceived.Amount,
			AskPaid:       t.AskPaid.Amount,
			AskReceived:   t.AskReceived.Amount,
			FeesAsset:     uint32(t.FeesCollected.AssetID),
			FeesCollected: t.FeesCollected.Amount,
		}
		if c := t.ReturnedCollateral; c != nil {
			v := c.Amount
			row.ReturnedCollateral = &v
		}
		if c := t.ShortCollateral; c != nil {
			v := c.Amount
			row.ShortCollateral = &v
		}
		rows.Trades = append(rows.Trades, row)
	}

	for _, h := range out.History {
		rows.History = append(rows.History, HistoryRow{
			QuoteID:      uint32(h.Key.QuoteID),
			BaseID:       uint32(h.Key.BaseID),
			Granularity:  h.Key.Granularity.String(),
			BucketTime:   h.Key.Timestamp,
			HighestBid:   h.Record.HighestBid.Decimal(),
			LowestAsk:    h.Record.LowestAsk.Decimal(),
			OpeningPrice: h.Record.OpeningPrice.Decimal(),
			ClosingPrice: h.Record.ClosingPrice.Decimal(),
			Volume:       h.Record.Volume,
			Height:       env.Height,
		})
	}
	return rows
}
