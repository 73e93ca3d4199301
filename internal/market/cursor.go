package market

import (
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"
)

type orderCursor = state.Cursor[ledger.MarketIndexKey, ledger.OrderRecord]
type collateralCursor = state.Cursor[ledger.MarketIndexKey, ledger.CollateralRecord]

// fromTop positions c on the last entry before the next pair, or on the last entry
// of the table when nothing sorts after the pair.
func fromTop[V any](t state.Table[ledger.MarketIndexKey, V], quote, base ledger.AssetID) state.Cursor[ledger.MarketIndexKey, V] {
	c := t.LowerBound(ledger.MarketIndexKey{OrderPrice: ledger.NextPair(quote, base)})
	if c.Valid() {
		c.Prev()
		return c
	}
	if err := c.Err(); err != nil {
		return c
	}
	c.Close()
	return t.Last()
}

// openCursors reads the books from the prior view. Settlement writes go to the
// pending layer and never move these cursors.
func (e *Engine) openCursors() {
	e.bidItr = fromTop(e.prior.Orders(ledger.OrderKindBid), e.quote, e.base)
	e.shortItr = fromTop(e.prior.Orders(ledger.OrderKindShort), e.quote, e.base)
	e.collItr = fromTop(e.prior.Collateral(), e.quote, e.base)

	asks := e.prior.Orders(ledger.OrderKindAsk)
	e.askItr = asks.LowerBound(ledger.MarketIndexKey{OrderPrice: ledger.PairStart(e.quote, e.base)})
	if !e.askItr.Valid() && e.askItr.Err() == nil {
		e.askItr.Close()
		e.askItr = asks.First()
	}
}

func (e *Engine) closeCursors() {
	for _, c := range []interface{ Close() error }{e.bidItr, e.askItr, e.shortItr, e.collItr} {
		if c != nil {
			c.Close()
		}
	}
	e.bidItr, e.askItr, e.shortItr, e.collItr = nil, nil, nil, nil
}

func (e *Engine) cursorErr() error {
	for _, c := range []interface{ Err() error }{e.bidItr, e.askItr, e.shortItr, e.collItr} {
		if c == nil {
			continue
		}
		if err := c.Err(); err != nil {
			return err
		}
	}
	return nil
}

// nextShort makes the highest-rate short of the pair the current bid.
func (e *Engine) nextShort() bool {
	if !e.shortItr.Valid() {
		return false
	}
	key := e.shortItr.Key()
	if !key.OrderPrice.InPair(e.quote, e.base) {
		return false
	}
	o := ShortOrder(key, e.shortItr.Value())
	e.currentBid = &o
	e.shortItr.Prev()
	return true
}

// nextBid keeps the current bid while it still buys something, otherwise fetches
// the best remaining bid or short.
func (e *Engine) nextBid() (bool, error) {
	if e.currentBid != nil {
		q, err := e.currentBid.Quantity()
		if err != nil {
			return false, err
		}
		if q.Amount > 0 {
			return true, nil
		}
	}
	e.ordersFilled++
	e.currentBid = nil

	if e.bidItr.Valid() {
		key := e.bidItr.Key()
		if key.OrderPrice.InPair(e.quote, e.base) {
			bid := BidOrder(key, e.bidItr.Value())
			// a bid under the feed yields to shorts, which buy at the feed
			if e.feed != nil && bid.Price().Less(*e.feed) && e.nextShort() {
				return true, e.cursorErr()
			}
			e.currentBid = &bid
			e.bidItr.Prev()
			return true, e.cursorErr()
		}
	}
	e.nextShort()
	return e.currentBid != nil, e.cursorErr()
}

// nextAsk keeps the current ask while it has balance. Otherwise margin calls come
// first, then the lowest plain ask.
func (e *Engine) nextAsk() (bool, error) {
	if e.currentAsk != nil && e.currentAsk.State.Balance > 0 {
		return true, nil
	}
	e.currentAsk = nil
	e.ordersFilled++

	now := e.pending.Now()
	for e.currentBid != nil && e.collItr.Valid() {
		key := e.collItr.Key()
		if !key.OrderPrice.InPair(e.quote, e.base) {
			break
		}
		rec := e.collItr.Value()
		cover := CoverOrder(key, rec)
		if (e.feed != nil && e.feed.Less(cover.Price())) || rec.Expiration <= now {
			e.currentCollat = rec
			e.currentAsk = &cover
			e.collItr.Prev()
			return true, e.cursorErr()
		}
		if !e.forks.ContinueCoverScan(e.pending.HeadBlockNum()) {
			break
		}
		e.collItr.Prev()
	}
	if e.collItr.Err() != nil {
		return false, e.collItr.Err()
	}
	if e.collItr.Valid() && e.currentBid != nil {
		// the scan is over for this execution
		e.collItr.Close()
		e.collItr = state.ErrCursor[ledger.MarketIndexKey, ledger.CollateralRecord](nil)
	}

	if e.askItr.Valid() {
		key := e.askItr.Key()
		if key.OrderPrice.InPair(e.quote, e.base) {
			ask := AskOrder(key, e.askItr.Value())
			e.currentAsk = &ask
		}
		e.askItr.Next()
	}
	return e.currentAsk != nil, e.cursorErr()
}
