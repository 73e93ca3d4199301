package projection

import (
	"sync"

	"MarketLedger/internal/core"
	"MarketLedger/internal/ledger"
)

// TapeEntry is a trade as kept by the tape.
type TapeEntry struct {
	Height    uint64
	Timestamp int64
	Trade     ledger.MarketTransaction
}

// TradeTape keeps the most recent trades of every pair in memory.
// Written by the projection worker and read by the query API.
type TradeTape struct {
	mu      sync.RWMutex
	perPair int
	entries map[ledger.PairKey][]TapeEntry
}

func NewTradeTape(perPair int) *TradeTape {
	return &TradeTape{
		perPair: perPair,
		entries: make(map[ledger.PairKey][]TapeEntry),
	}
}

// AddBlock records the block's trades. Automatic short cancels are skipped.
func (t *TradeTape) AddBlock(out *core.BlockOutput) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tr := range out.Trades() {
		if tr.IsAutomaticCancel() {
			continue
		}
		pair := ledger.PairKey{QuoteID: tr.BidPrice.QuoteID, BaseID: tr.BidPrice.BaseID}
		list := append(t.entries[pair], TapeEntry{
			Height:    out.Envelope.Height,
			Timestamp: out.Envelope.Timestamp,
			Trade:     tr,
		})
		if len(list) > t.perPair {
			list = append(list[:0:0], list[len(list)-t.perPair:]...)
		}
		t.entries[pair] = list
	}
}

// Recent returns up to limit trades of the pair, newest first.
func (t *TradeTape) Recent(pair ledger.PairKey, limit int) []TapeEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	list := t.entries[pair]
	result := make([]TapeEntry, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, list[i])
	}
	return result
}
