// Package market matches the order books of one asset pair and settles the trades
// against a pending ledger view.
package market

import (
	"errors"
	"fmt"

	"MarketLedger/internal/fork"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"

	"github.com/rs/zerolog"
)

// Covers never fill below minimumAskNum/minimumAskDen of the feed.
const (
	minimumAskNum = 9
	minimumAskDen = 10
)

// Result is the outcome of one pair execution. Executed reports whether anything
// traded. Err is set when the pair's changes were discarded; the failure is also
// recorded in the pair's market status. Forgiven is the quote debt written off
// against the fee pool when a cover ran out of collateral.
type Result struct {
	Executed bool
	Trades   []ledger.MarketTransaction
	Forgiven ledger.Asset
	Err      error
}

// Engine executes pairs against a prior view. It is not safe for concurrent use;
// a block runs its pairs one after another through the same Engine.
type Engine struct {
	prior   state.ChainState
	pending *state.PendingState
	forks   fork.Table
	log     zerolog.Logger

	quote, base ledger.AssetID
	feed        *ledger.Price

	bidItr   orderCursor
	askItr   orderCursor
	shortItr orderCursor
	collItr  collateralCursor

	currentBid    *Order
	currentAsk    *Order
	currentCollat ledger.CollateralRecord
	ordersFilled  int

	trades   []ledger.MarketTransaction
	forgiven int64
}

func NewEngine(prior state.ChainState, forks fork.Table, log zerolog.Logger) *Engine {
	return &Engine{prior: prior, forks: forks, log: log}
}

func (e *Engine) reset(quote, base ledger.AssetID) {
	e.pending = state.NewPendingState(e.prior)
	e.quote, e.base = quote, base
	e.feed = nil
	e.currentBid, e.currentAsk = nil, nil
	e.currentCollat = ledger.CollateralRecord{}
	e.ordersFilled = 0
	e.trades = nil
	e.forgiven = 0
}

// Execute matches the (quote, base) books. On success the pair's changes are
// committed into the prior view.
func (e *Engine) Execute(quote, base ledger.AssetID, ts int64) Result {
	e.reset(quote, base)
	defer e.closeCursors()

	err := e.run(ts)
	if err != nil {
		e.pending.Discard()
		e.recordFailure(err)
		return Result{Err: err}
	}
	return Result{
		Executed: len(e.trades) > 0,
		Trades:   e.trades,
		Forgiven: ledger.NewAsset(e.forgiven, quote),
	}
}

// minimumAsk is the lowest bid a margin call or expired cover may fill against.
func (e *Engine) minimumAsk() (ledger.Price, error) {
	return e.feed.Scaled(minimumAskNum, minimumAskDen)
}

// recordFailure stores the error on the prior view's status so it survives the discard.
func (e *Engine) recordFailure(cause error) {
	ev := e.log.Warn()
	if errors.Is(cause, ledger.ErrInvariant) {
		ev = e.log.Error()
	}
	ev.Err(cause).
		Uint32("quote", uint32(e.quote)).
		Uint32("base", uint32(e.base)).
		Uint64("height", e.prior.HeadBlockNum()).
		Msg("market execution failed")

	pair := ledger.PairKey{QuoteID: e.quote, BaseID: e.base}
	status, ok, err := e.prior.MarketStatuses().Get(pair)
	if err != nil {
		e.log.Error().Err(err).Msg("read market status")
		return
	}
	if !ok {
		status = ledger.NewMarketStatus(e.quote, e.base)
	}
	status.UpdateFeedPrice(e.feed)
	status.LastError = cause.Error()
	if err := e.prior.MarketStatuses().Put(pair, status); err != nil {
		e.log.Error().Err(err).Msg("write market status")
	}
}

func (e *Engine) run(ts int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ledger.Invariantf("%v", r)
		}
	}()

	if e.quote <= e.base {
		return fmt.Errorf("%w: quote %d must sort above base %d", ledger.ErrAssetMismatch, e.quote, e.base)
	}
	quoteRec, ok, err := e.pending.Assets().Get(e.quote)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: quote %d", ledger.ErrUnknownAsset, e.quote)
	}
	baseRec, ok, err := e.pending.Assets().Get(e.base)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: base %d", ledger.ErrUnknownAsset, e.base)
	}

	pair := ledger.PairKey{QuoteID: e.quote, BaseID: e.base}
	feed, ok, err := e.prior.FeedPrices().Get(pair)
	if err != nil {
		return err
	}
	if ok {
		e.feed = &feed
	}

	status, ok, err := e.pending.MarketStatuses().Get(pair)
	if err != nil {
		return err
	}
	if !ok {
		status = ledger.NewMarketStatus(e.quote, e.base)
	}
	if quoteRec.IsMarketIssued() && e.feed == nil && status.LastValidFeedPrice == nil {
		return fmt.Errorf("%w: market issued asset %s has no feed", ledger.ErrInsufficientFeeds, quoteRec.Symbol)
	}

	e.openCursors()
	if err := e.cursorErr(); err != nil {
		return err
	}

	volume := ledger.NewAsset(0, e.base)
	var opening, closing ledger.Price
	lastFilled := -1
	for {
		hasBid, err := e.nextBid()
		if err != nil {
			return err
		}
		if !hasBid {
			break
		}
		hasAsk, err := e.nextAsk()
		if err != nil {
			return err
		}
		if !hasAsk {
			break
		}
		if e.ordersFilled <= lastFilled {
			return ledger.Invariantf("matching made no progress at %d consumed orders", e.ordersFilled)
		}
		lastFilled = e.ordersFilled

		bid, ask := e.currentBid, e.currentAsk
		mtrx := ledger.MarketTransaction{
			BidOwner: bid.Owner(),
			AskOwner: ask.Owner(),
			BidPrice: bid.Price(),
			AskPrice: ask.Price(),
			BidType:  bid.Kind,
			AskType:  ask.Kind,
		}

		if bid.Kind == ledger.OrderKindShort {
			if !quoteRec.IsMarketIssued() {
				return ledger.Invariantf("short against %s which is not market issued", quoteRec.Symbol)
			}
			if e.feed == nil {
				e.currentBid = nil
				continue
			}
			mtrx.BidPrice = *e.feed
			if limit := bid.State.ShortPriceLimit; limit != nil {
				if limit.Less(mtrx.AskPrice) {
					e.currentBid = nil
					continue
				}
				mtrx.BidPrice = ledger.MinPrice(*limit, mtrx.BidPrice)
			}
		}

		if ask.Kind == ledger.OrderKindCover {
			if !quoteRec.IsMarketIssued() {
				return ledger.Invariantf("cover against %s which is not market issued", quoteRec.Symbol)
			}
			if e.feed == nil {
				e.currentAsk = nil
				continue
			}
			minAsk, err := e.minimumAsk()
			if err != nil {
				return err
			}
			if (mtrx.AskPrice.Less(mtrx.BidPrice) && e.currentCollat.Expiration > e.pending.Now()) ||
				mtrx.BidPrice.Less(minAsk) {
				e.currentAsk = nil
				continue
			}
			mtrx.AskPrice = mtrx.BidPrice
		} else if mtrx.BidPrice.Less(mtrx.AskPrice) {
			break
		}

		if err := e.settle(&mtrx, &quoteRec, &baseRec); err != nil {
			return err
		}
		if err := e.pushTransaction(mtrx); err != nil {
			return err
		}

		switch {
		case mtrx.AskReceived.AssetID == e.base:
			volume = volume.Add(mtrx.AskReceived)
		case mtrx.BidReceived.AssetID == e.base:
			volume = volume.Add(mtrx.BidReceived)
		}
		if opening.IsZero() {
			opening = mtrx.BidPrice
		}
		closing = mtrx.BidPrice

		switch mtrx.FeesCollected.AssetID {
		case e.base:
			baseRec.CollectedFees += mtrx.FeesCollected.Amount
		case e.quote:
			quoteRec.CollectedFees += mtrx.FeesCollected.Amount
		}
	}

	if err := e.pending.Assets().Put(e.quote, quoteRec); err != nil {
		return err
	}
	if err := e.pending.Assets().Put(e.base, baseRec); err != nil {
		return err
	}

	status.UpdateFeedPrice(e.feed)
	status.LastError = ""
	if err := e.pending.MarketStatuses().Put(pair, status); err != nil {
		return err
	}
	if err := e.updateMarketHistory(volume, opening, closing, ts); err != nil {
		return err
	}
	return e.pending.Commit()
}

// settle dispatches on the kinds of the two current orders.
func (e *Engine) settle(mtrx *ledger.MarketTransaction, quoteRec, baseRec *ledger.AssetRecord) error {
	bid, ask := e.currentBid, e.currentAsk
	switch {
	case bid.Kind == ledger.OrderKindShort && ask.Kind == ledger.OrderKindCover:
		return e.settleShortCover(mtrx, quoteRec, baseRec)
	case bid.Kind == ledger.OrderKindBid && ask.Kind == ledger.OrderKindCover:
		return e.settleBidCover(mtrx, quoteRec)
	case bid.Kind == ledger.OrderKindShort && ask.Kind == ledger.OrderKindAsk:
		return e.settleShortAsk(mtrx, quoteRec, baseRec)
	case bid.Kind == ledger.OrderKindBid && ask.Kind == ledger.OrderKindAsk:
		return e.settleBidAsk(mtrx, quoteRec, baseRec)
	}
	return ledger.Invariantf("no settlement for %s against %s", bid.Kind, ask.Kind)
}

func (e *Engine) pushTransaction(mtrx ledger.MarketTransaction) error {
	if err := mtrx.Validate(); err != nil {
		return err
	}
	e.trades = append(e.trades, mtrx)
	return nil
}

// CancelAllShorts refunds every open short to its owner and removes it from the book.
func (e *Engine) CancelAllShorts() ([]ledger.MarketTransaction, error) {
	e.reset(0, 0)
	err := e.cancelAllShorts()
	if err != nil {
		e.pending.Discard()
		e.log.Error().Err(err).Msg("cancel all shorts failed")
		return nil, err
	}
	return e.trades, nil
}

func (e *Engine) cancelAllShorts() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ledger.Invariantf("%v", r)
		}
	}()

	c := e.prior.Orders(ledger.OrderKindShort).First()
	defer c.Close()
	for ; c.Valid(); c.Next() {
		short := ShortOrder(c.Key(), c.Value())
		e.currentBid = &short
		mtrx := ledger.MarketTransaction{
			BidOwner: short.Owner(),
			BidPrice: short.Price(),
			BidType:  ledger.OrderKindShort,
		}
		if err := e.cancelCurrentShort(&mtrx); err != nil {
			return err
		}
		if err := e.pushTransaction(mtrx); err != nil {
			return err
		}
	}
	if err := c.Err(); err != nil {
		return err
	}
	return e.pending.Commit()
}
