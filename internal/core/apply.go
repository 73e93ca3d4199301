package core

import (
	"fmt"
	"math"

	"MarketLedger/internal/event"
	"MarketLedger/internal/ledger"
	fpmath "MarketLedger/internal/math"
	"MarketLedger/internal/state"
)

func applyAssetCreate(s state.ChainState, tx *event.AssetCreate) error {
	rec := tx.Record
	if rec.Symbol == "" || rec.Precision <= 0 {
		return fmt.Errorf("asset %d: symbol and positive precision required: %w", rec.ID, ledger.ErrInvalidOrder)
	}
	if rec.CurrentShareSupply < 0 || rec.CollectedFees < 0 {
		return fmt.Errorf("asset %d: %w", rec.ID, ledger.ErrNegativeAmount)
	}
	_, exists, err := s.Assets().Get(rec.ID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("asset %d: %w", rec.ID, ledger.ErrAssetExists)
	}
	return s.Assets().Put(rec.ID, rec)
}

func requireAsset(s state.ChainState, id ledger.AssetID) (ledger.AssetRecord, error) {
	rec, ok, err := s.Assets().Get(id)
	if err != nil {
		return rec, err
	}
	if !ok {
		return rec, fmt.Errorf("asset %d: %w", id, ledger.ErrUnknownAsset)
	}
	return rec, nil
}

// applyDeposit credits the owner's balance. The deposit date moves to the
// balance-weighted average age so yield accrues only on seasoned funds.
func applyDeposit(s state.ChainState, tx *event.Deposit) error {
	if tx.Amount <= 0 {
		return fmt.Errorf("deposit %d: %w", tx.Amount, ledger.ErrNegativeAmount)
	}
	if _, err := requireAsset(s, tx.AssetID); err != nil {
		return fmt.Errorf("deposit: %w", err)
	}

	rec := ledger.NewBalanceRecord(tx.Owner, tx.AssetID, tx.SlateID)
	id := rec.ID()
	if stored, ok, err := s.Balances().Get(id); err != nil {
		return err
	} else if ok {
		rec = stored
	}
	if rec.Balance > math.MaxInt64-tx.Amount {
		return fmt.Errorf("deposit into %s: %w", id, fpmath.ErrOverflow)
	}

	now := s.Now()
	total := rec.Balance + tx.Amount
	if rec.Balance <= 0 || rec.DepositDate >= now {
		rec.DepositDate = now
	} else {
		age, err := fpmath.MulDiv(now-rec.DepositDate, fpmath.NewUint128(uint64(rec.Balance)), fpmath.NewUint128(uint64(total)))
		if err != nil {
			return fmt.Errorf("deposit into %s: %w", id, err)
		}
		rec.DepositDate = now - age
	}
	rec.Balance = total
	rec.LastUpdate = now
	return s.Balances().Put(id, rec)
}

// applyOrder adds to the owner's order at the given price, creating it when absent.
func applyOrder(s state.ChainState, tx *event.OrderPlacement) error {
	if tx.Balance <= 0 {
		return fmt.Errorf("order %s: %w", tx.OrderID, ledger.ErrNegativeAmount)
	}
	switch tx.Kind {
	case ledger.OrderKindBid, ledger.OrderKindAsk, ledger.OrderKindShort:
	default:
		return fmt.Errorf("order %s: kind %s: %w", tx.OrderID, tx.Kind, ledger.ErrInvalidOrder)
	}

	quote, base := tx.Price.QuoteID, tx.Price.BaseID
	if quote <= base {
		return fmt.Errorf("order %s: quote %d must sort above base %d: %w", tx.OrderID, quote, base, ledger.ErrInvalidOrder)
	}
	if tx.Price.IsZero() {
		return fmt.Errorf("order %s: zero price: %w", tx.OrderID, ledger.ErrInvalidOrder)
	}
	quoteRec, err := requireAsset(s, quote)
	if err != nil {
		return fmt.Errorf("order %s: %w", tx.OrderID, err)
	}
	if _, err := requireAsset(s, base); err != nil {
		return fmt.Errorf("order %s: %w", tx.OrderID, err)
	}

	if tx.Kind == ledger.OrderKindShort {
		if !quoteRec.IsMarketIssued() {
			return fmt.Errorf("order %s: short against %s: %w", tx.OrderID, quoteRec.Symbol, ledger.ErrInvalidOrder)
		}
	} else if tx.ShortPriceLimit != nil {
		return fmt.Errorf("order %s: price limit on a %s: %w", tx.OrderID, tx.Kind, ledger.ErrInvalidOrder)
	}
	if l := tx.ShortPriceLimit; l != nil && !l.InPair(quote, base) {
		return fmt.Errorf("order %s: limit %s outside the pair: %w", tx.OrderID, l, ledger.ErrInvalidOrder)
	}

	book := s.Orders(tx.Kind)
	key := tx.Key()
	rec, _, err := book.Get(key)
	if err != nil {
		return err
	}
	if rec.Balance > math.MaxInt64-tx.Balance {
		return fmt.Errorf("order %s: %w", tx.OrderID, fpmath.ErrOverflow)
	}
	rec.Balance += tx.Balance
	if tx.ShortPriceLimit != nil {
		l := *tx.ShortPriceLimit
		rec.ShortPriceLimit = &l
	}
	return book.Put(key, rec)
}

func applyFeed(s state.ChainState, f event.FeedPrice) error {
	if f.Pair.QuoteID <= f.Pair.BaseID || !f.Price.InPair(f.Pair.QuoteID, f.Pair.BaseID) || f.Price.IsZero() {
		return fmt.Errorf("feed %d/%d at %s: %w", f.Pair.QuoteID, f.Pair.BaseID, f.Price, ledger.ErrInvalidFeed)
	}
	if _, err := requireAsset(s, f.Pair.QuoteID); err != nil {
		return err
	}
	if _, err := requireAsset(s, f.Pair.BaseID); err != nil {
		return err
	}
	return s.FeedPrices().Put(f.Pair, f.Price)
}
