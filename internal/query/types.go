package query

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MarketStatusResponse is the projected status of a pair.
type MarketStatusResponse struct {
	QuoteID            uint32           `json:"quote_id"`
	BaseID             uint32           `json:"base_id"`
	CurrentFeedPrice   *decimal.Decimal `json:"current_feed_price,omitempty"`
	LastValidFeedPrice *decimal.Decimal `json:"last_valid_feed_price,omitempty"`
	LastError          string           `json:"last_error,omitempty"`
	Height             uint64           `json:"height"`
	AsOfHeight         uint64           `json:"as_of_height"`
}

// HistoryPoint is one market history bucket.
type HistoryPoint struct {
	Granularity  string          `json:"granularity"`
	Timestamp    int64           `json:"timestamp"`
	HighestBid   decimal.Decimal `json:"highest_bid"`
	LowestAsk    decimal.Decimal `json:"lowest_ask"`
	OpeningPrice decimal.Decimal `json:"opening_price"`
	ClosingPrice decimal.Decimal `json:"closing_price"`
	Volume       int64           `json:"volume"`
}

// HistoryResponse lists buckets oldest first.
type HistoryResponse struct {
	QuoteID    uint32         `json:"quote_id"`
	BaseID     uint32         `json:"base_id"`
	Points     []HistoryPoint `json:"points"`
	AsOfHeight uint64         `json:"as_of_height"`
}

// TradeResponse is a persisted market transaction.
type TradeResponse struct {
	ID                 uuid.UUID       `json:"id"`
	Height             uint64          `json:"height"`
	Position           int             `json:"position"`
	BidOwner           string          `json:"bid_owner"`
	AskOwner           string          `json:"ask_owner"`
	BidType            string          `json:"bid_type"`
	AskType            string          `json:"ask_type"`
	BidPrice           decimal.Decimal `json:"bid_price"`
	AskPrice           decimal.Decimal `json:"ask_price"`
	BidPaid            int64           `json:"bid_paid"`
	BidReceived        int64           `json:"bid_received"`
	AskPaid            int64           `json:"ask_paid"`
	AskReceived        int64           `json:"ask_received"`
	FeesAsset          uint32          `json:"fees_asset"`
	FeesCollected      int64           `json:"fees_collected"`
	ReturnedCollateral *int64          `json:"returned_collateral,omitempty"`
	ShortCollateral    *int64          `json:"short_collateral,omitempty"`
}

// TransactionsResponse pages through a pair's trades in height order.
// NextHeight and NextPosition start the following page; both are zero when exhausted.
type TransactionsResponse struct {
	Trades       []TradeResponse `json:"trades"`
	NextHeight   uint64          `json:"next_height,omitempty"`
	NextPosition int             `json:"next_position,omitempty"`
	AsOfHeight   uint64          `json:"as_of_height"`
}

// BlockResponse is a persisted block with its hash chain link.
type BlockResponse struct {
	Height    uint64          `json:"height"`
	Timestamp int64           `json:"timestamp"`
	StateHash string          `json:"state_hash"`
	PrevHash  string          `json:"prev_hash"`
	Block     json.RawMessage `json:"block"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy           bool     `json:"is_healthy"`
	HashChainBreaks     []uint64 `json:"hash_chain_breaks,omitempty"`
	CheckpointMismatch  []uint64 `json:"checkpoint_mismatch,omitempty"`
	LastPersistedHeight uint64   `json:"last_persisted_height"`
}
