package market

import (
	"MarketLedger/internal/ledger"
)

var rollups = []ledger.Granularity{ledger.GranularityHour, ledger.GranularityDay}

// topOfBook returns the best remaining bid and ask prices, with fallback standing in
// for an exhausted side.
func (e *Engine) topOfBook(fallback ledger.Price) (bid, ask ledger.Price, err error) {
	bid, ask = fallback, fallback

	hasBid, err := e.nextBid()
	if err != nil {
		return bid, ask, err
	}
	if hasBid {
		bid = e.currentBid.Price()
		if e.currentBid.Kind == ledger.OrderKindShort && e.feed != nil {
			bid = *e.feed
			if limit := e.currentBid.State.ShortPriceLimit; limit != nil {
				bid = ledger.MinPrice(*limit, bid)
			}
		}
	}

	hasAsk, err := e.nextAsk()
	if err != nil {
		return bid, ask, err
	}
	if hasAsk {
		ask = e.currentAsk.Price()
		// a margin call trades at the bid
		if e.currentAsk.Kind == ledger.OrderKindCover {
			ask = bid
		}
	}
	return bid, ask, nil
}

// updateMarketHistory records the execution's per-block entry and folds it into the
// hourly and daily buckets.
func (e *Engine) updateMarketHistory(volume ledger.Asset, opening, closing ledger.Price, ts int64) error {
	if volume.Amount <= 0 {
		return nil
	}
	highestBid, lowestAsk, err := e.topOfBook(closing)
	if err != nil {
		return err
	}
	rec := ledger.MarketHistoryRecord{
		HighestBid:   highestBid,
		LowestAsk:    lowestAsk,
		OpeningPrice: opening,
		ClosingPrice: closing,
		Volume:       volume.Amount,
	}

	history := e.pending.MarketHistory()
	dup, err := e.sameAsPreviousBlock(rec, ts)
	if err != nil {
		return err
	}
	if !dup {
		key := ledger.MarketHistoryKey{QuoteID: e.quote, BaseID: e.base, Granularity: ledger.GranularityBlock, Timestamp: ts}
		if err := history.Put(key, rec); err != nil {
			return err
		}
	}

	for _, g := range rollups {
		key := ledger.MarketHistoryKey{QuoteID: e.quote, BaseID: e.base, Granularity: g, Timestamp: g.Truncate(ts)}
		old, ok, err := history.Get(key)
		if err != nil {
			return err
		}
		if ok {
			merged := old.Merge(rec)
			if err := history.Put(key, merged); err != nil {
				return err
			}
			continue
		}
		if err := history.Put(key, rec); err != nil {
			return err
		}
	}
	return nil
}

// sameAsPreviousBlock reports whether the latest per-block entry of the pair at or
// before ts equals rec.
func (e *Engine) sameAsPreviousBlock(rec ledger.MarketHistoryRecord, ts int64) (bool, error) {
	history := e.pending.MarketHistory()
	c := history.LowerBound(ledger.MarketHistoryKey{QuoteID: e.quote, BaseID: e.base, Granularity: ledger.GranularityBlock, Timestamp: ts + 1})
	if c.Valid() {
		c.Prev()
	} else if c.Err() == nil {
		c.Close()
		c = history.Last()
	}
	defer func() { c.Close() }()
	if err := c.Err(); err != nil {
		return false, err
	}
	if !c.Valid() {
		return false, nil
	}
	k := c.Key()
	if k.QuoteID != e.quote || k.BaseID != e.base || k.Granularity != ledger.GranularityBlock {
		return false, nil
	}
	return c.Value() == rec, nil
}
