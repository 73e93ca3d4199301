package market

import (
	"MarketLedger/internal/ledger"
)

const (
	// marginCallFeeBPS is charged on collateral returned by a call before expiration,
	// in units of 1/100000.
	marginCallFeeBPS   = 5000
	marginCallFeeScale = 100000
)

func (e *Engine) settleBidAsk(mtrx *ledger.MarketTransaction, quoteRec, baseRec *ledger.AssetRecord) error {
	bidQuantity, err := e.currentBid.Quantity()
	if err != nil {
		return err
	}
	askQuantity, err := e.currentAsk.Quantity()
	if err != nil {
		return err
	}
	quantity := ledger.MinAsset(bidQuantity, askQuantity)

	if mtrx.AskReceived, err = quantity.Mul(mtrx.AskPrice); err != nil {
		return err
	}
	if mtrx.BidPaid, err = quantity.Mul(mtrx.BidPrice); err != nil {
		return err
	}
	mtrx.AskPaid = quantity
	mtrx.BidReceived = quantity

	// the limiting side is consumed exactly
	if quantity == bidQuantity {
		mtrx.BidPaid = e.currentBid.Balance()
	}
	if quantity == askQuantity {
		mtrx.AskPaid = e.currentAsk.Balance()
	}
	mtrx.FeesCollected = mtrx.BidPaid.Sub(mtrx.AskReceived)

	if err := e.payCurrentBid(mtrx, quoteRec); err != nil {
		return err
	}
	return e.payCurrentAsk(mtrx, baseRec)
}

func (e *Engine) settleShortAsk(mtrx *ledger.MarketTransaction, quoteRec, baseRec *ledger.AssetRecord) error {
	collateralRate := e.feed.Half()

	askQuantityUSD, err := e.currentAsk.QuoteQuantity()
	if err != nil {
		return err
	}
	shortQuantityUSD, err := e.currentBid.Balance().Mul(collateralRate)
	if err != nil {
		return err
	}
	exchanged := ledger.MinAsset(shortQuantityUSD, askQuantityUSD)

	mtrx.AskReceived = exchanged
	var collateral ledger.Asset
	if exchanged == shortQuantityUSD {
		if mtrx.AskPaid, err = mtrx.AskReceived.Mul(mtrx.AskPrice); err != nil {
			return err
		}
		collateral = e.currentBid.Balance()
	} else {
		mtrx.AskPaid = e.currentAsk.Balance()
		if collateral, err = exchanged.Mul(collateralRate); err != nil {
			return err
		}
	}
	mtrx.BidReceived = mtrx.AskPaid
	mtrx.BidPaid = mtrx.AskReceived
	mtrx.ShortCollateral = &collateral

	if err := e.payCurrentShort(mtrx, quoteRec, baseRec); err != nil {
		return err
	}
	return e.payCurrentAsk(mtrx, baseRec)
}

func (e *Engine) settleShortCover(mtrx *ledger.MarketTransaction, quoteRec, baseRec *ledger.AssetRecord) error {
	collateralRate := e.feed.Half()

	coverCollateral := ledger.NewAsset(e.currentAsk.Collateral, e.base)
	maxCoverCanAfford, err := coverCollateral.Mul(mtrx.BidPrice)
	if err != nil {
		return err
	}
	coverDebt, err := e.currentCoverDebt()
	if err != nil {
		return err
	}
	shortQuantityUSD, err := e.currentBid.Balance().Mul(collateralRate)
	if err != nil {
		return err
	}
	exchanged := ledger.MinAsset(shortQuantityUSD, maxCoverCanAfford, coverDebt)

	mtrx.AskReceived = exchanged
	if exchanged == maxCoverCanAfford {
		mtrx.AskPaid = coverCollateral
	} else if mtrx.AskPaid, err = mtrx.AskReceived.Mul(mtrx.AskPrice); err != nil {
		return err
	}
	mtrx.BidReceived = mtrx.AskPaid
	mtrx.BidPaid = mtrx.AskReceived

	var collateral ledger.Asset
	if exchanged == shortQuantityUSD {
		collateral = e.currentBid.Balance()
	} else if collateral, err = mtrx.BidPaid.Mul(collateralRate); err != nil {
		return err
	}
	mtrx.ShortCollateral = &collateral

	if err := e.payCurrentShort(mtrx, quoteRec, baseRec); err != nil {
		return err
	}
	return e.payCurrentCover(mtrx, quoteRec)
}

func (e *Engine) settleBidCover(mtrx *ledger.MarketTransaction, quoteRec *ledger.AssetRecord) error {
	coverCollateral := ledger.NewAsset(e.currentAsk.Collateral, e.base)
	maxCoverCanAfford, err := coverCollateral.Mul(mtrx.BidPrice)
	if err != nil {
		return err
	}
	coverDebt, err := e.currentCoverDebt()
	if err != nil {
		return err
	}
	exchanged := ledger.MinAsset(e.currentBid.Balance(), maxCoverCanAfford, coverDebt)

	mtrx.AskReceived = exchanged
	if exchanged == maxCoverCanAfford {
		mtrx.AskPaid = coverCollateral
	} else if mtrx.AskPaid, err = mtrx.AskReceived.Mul(mtrx.AskPrice); err != nil {
		return err
	}
	mtrx.BidReceived = mtrx.AskPaid
	mtrx.BidPaid = mtrx.AskReceived

	if err := e.payCurrentBid(mtrx, quoteRec); err != nil {
		return err
	}
	return e.payCurrentCover(mtrx, quoteRec)
}

// currentCoverAge is the time since the current position was opened.
func (e *Engine) currentCoverAge() int64 {
	opened := e.currentCollat.Expiration - ledger.MaxShortPeriodSec
	age := e.pending.Now() - opened
	if age < 0 {
		return 0
	}
	return age
}

// currentCoverDebt is the payoff balance plus the interest accrued on it.
func (e *Engine) currentCoverDebt() (ledger.Asset, error) {
	principal := e.currentAsk.Balance()
	formula := e.forks.Interest(e.pending.HeadBlockNum())
	interest, err := InterestOwed(principal, e.currentCollat.InterestRate, e.currentCoverAge(), formula)
	if err != nil {
		return ledger.Asset{}, err
	}
	return principal.Add(interest), nil
}

// credit adds amount of asset to the owner's plain signature balance.
func (e *Engine) credit(owner ledger.Address, asset ledger.AssetID, amount int64) error {
	cond := ledger.WithSignature(owner, asset)
	balances := e.pending.Balances()
	rec, ok, err := balances.Get(cond.Address())
	if err != nil {
		return err
	}
	if !ok {
		rec = ledger.NewBalanceRecord(owner, asset, 0)
	}
	rec.Balance += amount
	rec.LastUpdate = e.pending.Now()
	rec.DepositDate = e.pending.Now()
	return balances.Put(cond.Address(), rec)
}

// storeOrder writes an order back; an exhausted order leaves the book.
func (e *Engine) storeOrder(o *Order) error {
	book := e.pending.Orders(o.Kind)
	if o.State.Balance == 0 {
		return book.Delete(o.Key)
	}
	return book.Put(o.Key, o.State)
}

func (e *Engine) storeCollateral(key ledger.MarketIndexKey, rec ledger.CollateralRecord) error {
	if rec.IsEmpty() {
		return e.pending.Collateral().Delete(key)
	}
	return e.pending.Collateral().Put(key, rec)
}

func (e *Engine) payCurrentBid(mtrx *ledger.MarketTransaction, quoteRec *ledger.AssetRecord) error {
	bid := e.currentBid
	bid.State.Balance -= mtrx.BidPaid.Amount
	if bid.State.Balance < 0 {
		return ledger.Invariantf("bid %s overdrawn by %s", bid.Owner(), mtrx.BidPaid)
	}
	if err := e.credit(mtrx.BidOwner, e.base, mtrx.BidReceived.Amount); err != nil {
		return err
	}

	// a remainder that can no longer buy a single base unit goes to the fee pool
	rest, err := bid.QuoteQuantity()
	if err != nil {
		return err
	}
	buys, err := rest.Mul(bid.Price())
	if err != nil {
		return err
	}
	if buys.Amount == 0 {
		quoteRec.CollectedFees += rest.Amount
		bid.State.Balance = 0
	}
	return e.storeOrder(bid)
}

func (e *Engine) payCurrentAsk(mtrx *ledger.MarketTransaction, baseRec *ledger.AssetRecord) error {
	ask := e.currentAsk
	ask.State.Balance -= mtrx.AskPaid.Amount
	if ask.State.Balance < 0 {
		return ledger.Invariantf("ask %s overdrawn by %s", ask.Owner(), mtrx.AskPaid)
	}
	if err := e.credit(mtrx.AskOwner, e.quote, mtrx.AskReceived.Amount); err != nil {
		return err
	}

	rest, err := ask.Quantity()
	if err != nil {
		return err
	}
	sells, err := rest.Mul(ask.Price())
	if err != nil {
		return err
	}
	if sells.Amount == 0 {
		baseRec.CollectedFees += rest.Amount
		ask.State.Balance = 0
	}
	return e.storeOrder(ask)
}

// payCurrentShort issues the quote asset against the short's collateral and opens
// or extends the owner's margin position.
func (e *Engine) payCurrentShort(mtrx *ledger.MarketTransaction, quoteRec, baseRec *ledger.AssetRecord) error {
	short := e.currentBid
	collateral := *mtrx.ShortCollateral

	// a remainder below the dust floor is posted as collateral too
	balance := short.Balance()
	if balance.Sub(collateral).Amount < baseRec.Precision/100 {
		if balance.Amount > collateral.Amount {
			collateral = balance
		}
		mtrx.ShortCollateral = &collateral
	}

	quoteRec.CurrentShareSupply += mtrx.BidPaid.Amount

	total := collateral.Add(mtrx.AskPaid)
	if mtrx.BidPaid.Amount <= 0 {
		if mtrx.BidPaid.Amount < 0 {
			return ledger.Invariantf("short %s paid %s", short.Owner(), mtrx.BidPaid)
		}
		// nothing was issued; the position is left as it was
		short.State.Balance -= collateral.Amount
		return nil
	}

	callCollateral := total
	callCollateral.Amount = callCollateral.Amount * 2 / 3
	callPrice, err := ledger.Divide(mtrx.BidPaid, callCollateral)
	if err != nil {
		return err
	}
	key := ledger.MarketIndexKey{OrderPrice: callPrice, Owner: short.Owner()}

	pos, _, err := e.pending.Collateral().Get(key)
	if err != nil {
		return err
	}
	pos.CollateralBalance += total.Amount
	pos.PayoffBalance += mtrx.BidPaid.Amount
	pos.InterestRate = short.Price()
	pos.Expiration = e.pending.Now() + ledger.MaxShortPeriodSec
	if pos.InterestRate.QuoteID <= pos.InterestRate.BaseID {
		return ledger.Invariantf("interest rate %s has quote below base", pos.InterestRate)
	}
	if pos.CollateralBalance < 0 || pos.PayoffBalance < 0 {
		return ledger.Invariantf("negative position for %s", short.Owner())
	}

	short.State.Balance -= collateral.Amount
	if short.State.Balance < 0 {
		return ledger.Invariantf("short %s overdrawn by %s", short.Owner(), collateral)
	}
	if err := e.storeCollateral(key, pos); err != nil {
		return err
	}
	return e.storeOrder(short)
}

// payCurrentCover retires debt from a margin position. Interest goes to the quote
// fee pool, principal leaves the supply, and leftover collateral returns to the owner.
func (e *Engine) payCurrentCover(mtrx *ledger.MarketTransaction, quoteRec *ledger.AssetRecord) error {
	cover := e.currentAsk
	rate := e.currentCollat.InterestRate
	if rate.QuoteID <= rate.BaseID {
		return ledger.Invariantf("interest rate %s has quote below base", rate)
	}

	principal := ledger.NewAsset(e.currentCollat.PayoffBalance, e.quote)
	totalDebt, err := e.currentCoverDebt()
	if err != nil {
		return err
	}

	var principalPaid, interestPaid ledger.Asset
	if mtrx.AskReceived.Cmp(totalDebt) >= 0 {
		principalPaid = principal
		interestPaid = mtrx.AskReceived.Sub(principal)
		cover.State.Balance = 0
	} else {
		formula := e.forks.Interest(e.pending.HeadBlockNum())
		if interestPaid, err = InterestPaid(mtrx.AskReceived, rate, e.currentCoverAge(), formula); err != nil {
			return err
		}
		principalPaid = mtrx.AskReceived.Sub(interestPaid)
		cover.State.Balance -= principalPaid.Amount
	}
	if principalPaid.Amount < 0 || interestPaid.Amount < 0 || cover.State.Balance < 0 {
		return ledger.Invariantf("cover %s paid %s principal and %s interest", cover.Owner(), principalPaid, interestPaid)
	}

	cover.Collateral -= mtrx.AskPaid.Amount
	if cover.Collateral < 0 {
		return ledger.Invariantf("cover %s collateral overdrawn by %s", cover.Owner(), mtrx.AskPaid)
	}

	quoteRec.CurrentShareSupply -= principalPaid.Amount
	quoteRec.CollectedFees += interestPaid.Amount

	// debt without collateral is written off against the fee pool
	if cover.Collateral == 0 {
		quoteRec.CollectedFees -= cover.State.Balance
		e.forgiven += cover.State.Balance
		cover.State.Balance = 0
	}

	if cover.State.Balance == 0 && cover.Collateral > 0 {
		leftover := ledger.NewAsset(cover.Collateral, e.base)
		if e.currentCollat.Expiration > e.pending.Now() {
			fee := leftover.Amount * marginCallFeeBPS / marginCallFeeScale
			leftover.Amount -= fee
			if mtrx.FeesCollected.Amount != 0 {
				return ledger.Invariantf("margin call fee on a trade that already collected %s", mtrx.FeesCollected)
			}
			mtrx.FeesCollected = ledger.NewAsset(fee, e.base)
		}
		if err := e.credit(cover.Owner(), e.base, leftover.Amount); err != nil {
			return err
		}
		mtrx.ReturnedCollateral = &leftover
		cover.Collateral = 0
	}

	e.currentCollat.CollateralBalance = cover.Collateral
	e.currentCollat.PayoffBalance = cover.State.Balance
	return e.storeCollateral(cover.Key, e.currentCollat)
}

// cancelCurrentShort refunds the whole short to its owner's base balance.
func (e *Engine) cancelCurrentShort(mtrx *ledger.MarketTransaction) error {
	short := e.currentBid
	price := short.Price()

	mtrx.AskPaid = ledger.Asset{}
	mtrx.AskReceived = ledger.NewAsset(0, price.QuoteID)
	mtrx.BidReceived = short.Balance()
	mtrx.BidPaid = ledger.NewAsset(0, price.QuoteID)
	mtrx.ShortCollateral = nil

	if err := e.credit(short.Owner(), price.BaseID, short.State.Balance); err != nil {
		return err
	}
	short.State.Balance = 0
	return e.storeOrder(short)
}
