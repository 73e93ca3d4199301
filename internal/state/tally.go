package state

import (
	"fmt"

	"MarketLedger/internal/ledger"
)

// Tally walks every value-holding table of s into a fresh BalanceTracker.
func Tally(s ChainState) (*ledger.BalanceTracker, error) {
	bt := ledger.NewBalanceTracker()

	if err := walk(s.Balances(), func(_ ledger.Address, rec ledger.BalanceRecord) {
		bt.AddBalance(rec)
	}); err != nil {
		return nil, fmt.Errorf("tally balances: %w", err)
	}
	for _, kind := range BookKinds {
		if err := walk(s.Orders(kind), func(k ledger.MarketIndexKey, rec ledger.OrderRecord) {
			bt.AddOrder(kind, k, rec)
		}); err != nil {
			return nil, fmt.Errorf("tally %s orders: %w", kind, err)
		}
	}
	if err := walk(s.Collateral(), bt.AddCollateral); err != nil {
		return nil, fmt.Errorf("tally collateral: %w", err)
	}
	if err := walk(s.Assets(), func(_ ledger.AssetID, rec ledger.AssetRecord) {
		bt.AddAsset(rec)
	}); err != nil {
		return nil, fmt.Errorf("tally assets: %w", err)
	}
	return bt, nil
}

func walk[K, V any](t Table[K, V], fn func(K, V)) error {
	c := t.First()
	defer c.Close()
	for ; c.Valid(); c.Next() {
		fn(c.Key(), c.Value())
	}
	return c.Err()
}
