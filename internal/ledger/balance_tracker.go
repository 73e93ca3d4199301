package ledger

import (
	"fmt"
	"sort"
)

// Holdings is where one asset currently sits.
type Holdings struct {
	Balances   int64
	Orders     int64
	Collateral int64
	Fees       int64
	Supply     int64
	// Forgiven is debt written off against the fee pool since the tally was taken.
	Forgiven int64
}

// Held is everything owned by someone or by the fee pool.
func (h Holdings) Held() int64 {
	return h.Balances + h.Orders + h.Collateral + h.Fees
}

// Net is held plus forgiven debt minus issued supply. Matching never changes it.
func (h Holdings) Net() int64 {
	return h.Held() + h.Forgiven - h.Supply
}

// BalanceTracker tallies holdings per asset from a walk over the ledger state.
type BalanceTracker struct {
	holdings map[AssetID]*Holdings
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		holdings: make(map[AssetID]*Holdings),
	}
}

func (bt *BalanceTracker) get(id AssetID) *Holdings {
	h, ok := bt.holdings[id]
	if !ok {
		h = &Holdings{}
		bt.holdings[id] = h
	}
	return h
}

func (bt *BalanceTracker) AddBalance(rec BalanceRecord) {
	bt.get(rec.AssetID()).Balances += rec.Balance
}

// AddOrder counts the escrow behind a book entry: bids hold quote, asks and shorts hold base.
func (bt *BalanceTracker) AddOrder(kind OrderKind, key MarketIndexKey, rec OrderRecord) {
	switch kind {
	case OrderKindBid:
		bt.get(key.OrderPrice.QuoteID).Orders += rec.Balance
	case OrderKindAsk, OrderKindShort:
		bt.get(key.OrderPrice.BaseID).Orders += rec.Balance
	}
}

func (bt *BalanceTracker) AddCollateral(key MarketIndexKey, rec CollateralRecord) {
	bt.get(key.OrderPrice.BaseID).Collateral += rec.CollateralBalance
}

func (bt *BalanceTracker) AddAsset(rec AssetRecord) {
	h := bt.get(rec.ID)
	h.Fees += rec.CollectedFees
	h.Supply += rec.CurrentShareSupply
}

// Forgive books a write-off so the fee pool shortfall it caused still nets out.
func (bt *BalanceTracker) Forgive(a Asset) {
	if a.Amount == 0 {
		return
	}
	bt.get(a.AssetID).Forgiven += a.Amount
}

// Holdings returns the tally for one asset.
func (bt *BalanceTracker) Holdings(id AssetID) Holdings {
	if h, ok := bt.holdings[id]; ok {
		return *h
	}
	return Holdings{}
}

// Assets lists every tallied asset in ascending order.
func (bt *BalanceTracker) Assets() []AssetID {
	ids := make([]AssetID, 0, len(bt.holdings))
	for id := range bt.holdings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CompareNet reports the first asset whose net holdings differ between two tallies.
func (bt *BalanceTracker) CompareNet(after *BalanceTracker) error {
	seen := make(map[AssetID]struct{})
	for _, id := range append(bt.Assets(), after.Assets()...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		before, now := bt.Holdings(id).Net(), after.Holdings(id).Net()
		if before != now {
			return fmt.Errorf("asset %d: net holdings moved from %d to %d", id, before, now)
		}
	}
	return nil
}
