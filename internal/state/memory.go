package state

import (
	"MarketLedger/internal/ledger"

	"github.com/huandu/skiplist"
)

// keyComparable adapts a Codec to skiplist.Comparable.
type keyComparable[K any] struct {
	cmp func(a, b K) int
}

var _ skiplist.Comparable = keyComparable[ledger.AssetID]{}

func (c keyComparable[K]) Compare(lhs, rhs interface{}) int {
	return c.cmp(lhs.(K), rhs.(K))
}

// CalcScore is constant so ordering always falls through to Compare.
func (c keyComparable[K]) CalcScore(key interface{}) float64 {
	return 0
}

// memTable is a Table on a skiplist.
type memTable[K, V any] struct {
	list *skiplist.SkipList
}

func newMemTable[K, V any](codec Codec[K]) *memTable[K, V] {
	return &memTable[K, V]{
		list: skiplist.New(keyComparable[K]{cmp: codec.Cmp}),
	}
}

func (t *memTable[K, V]) Get(k K) (V, bool, error) {
	if elem := t.list.Get(k); elem != nil {
		return elem.Value.(V), true, nil
	}
	var zero V
	return zero, false, nil
}

func (t *memTable[K, V]) Put(k K, v V) error {
	t.list.Set(k, v)
	return nil
}

func (t *memTable[K, V]) Delete(k K) error {
	t.list.Remove(k)
	return nil
}

func (t *memTable[K, V]) LowerBound(k K) Cursor[K, V] {
	return &memCursor[K, V]{elem: t.list.Find(k)}
}

func (t *memTable[K, V]) First() Cursor[K, V] {
	return &memCursor[K, V]{elem: t.list.Front()}
}

func (t *memTable[K, V]) Last() Cursor[K, V] {
	return &memCursor[K, V]{elem: t.list.Back()}
}

func (t *memTable[K, V]) Len() int {
	return t.list.Len()
}

type memCursor[K, V any] struct {
	elem *skiplist.Element
}

func (c *memCursor[K, V]) Valid() bool { return c.elem != nil }

func (c *memCursor[K, V]) Key() K {
	return c.elem.Key().(K)
}

func (c *memCursor[K, V]) Value() V {
	return c.elem.Value.(V)
}

func (c *memCursor[K, V]) Next() {
	if c.elem != nil {
		c.elem = c.elem.Next()
	}
}

func (c *memCursor[K, V]) Prev() {
	if c.elem != nil {
		c.elem = c.elem.Prev()
	}
}

func (c *memCursor[K, V]) Err() error   { return nil }
func (c *memCursor[K, V]) Close() error { return nil }

// MemoryState is a ChainState held entirely in skiplists. It backs tests and
// nodes started without a data directory.
type MemoryState struct {
	head uint64
	now  int64

	balances   *memTable[ledger.Address, ledger.BalanceRecord]
	assets     *memTable[ledger.AssetID, ledger.AssetRecord]
	bids       *memTable[ledger.MarketIndexKey, ledger.OrderRecord]
	asks       *memTable[ledger.MarketIndexKey, ledger.OrderRecord]
	shorts     *memTable[ledger.MarketIndexKey, ledger.OrderRecord]
	collateral *memTable[ledger.MarketIndexKey, ledger.CollateralRecord]
	statuses   *memTable[ledger.PairKey, ledger.MarketStatus]
	history    *memTable[ledger.MarketHistoryKey, ledger.MarketHistoryRecord]
	feeds      *memTable[ledger.PairKey, ledger.Price]
}

var _ ChainState = (*MemoryState)(nil)

func NewMemoryState() *MemoryState {
	return &MemoryState{
		balances:   newMemTable[ledger.Address, ledger.BalanceRecord](AddressCodec),
		assets:     newMemTable[ledger.AssetID, ledger.AssetRecord](AssetIDCodec),
		bids:       newMemTable[ledger.MarketIndexKey, ledger.OrderRecord](IndexKeyCodec),
		asks:       newMemTable[ledger.MarketIndexKey, ledger.OrderRecord](IndexKeyCodec),
		shorts:     newMemTable[ledger.MarketIndexKey, ledger.OrderRecord](IndexKeyCodec),
		collateral: newMemTable[ledger.MarketIndexKey, ledger.CollateralRecord](IndexKeyCodec),
		statuses:   newMemTable[ledger.PairKey, ledger.MarketStatus](PairCodec),
		history:    newMemTable[ledger.MarketHistoryKey, ledger.MarketHistoryRecord](HistoryKeyCodec),
		feeds:      newMemTable[ledger.PairKey, ledger.Price](PairCodec),
	}
}

func (s *MemoryState) Now() int64           { return s.now }
func (s *MemoryState) HeadBlockNum() uint64 { return s.head }

func (s *MemoryState) SetHead(height uint64, now int64) {
	s.head = height
	s.now = now
}

func (s *MemoryState) Balances() Table[ledger.Address, ledger.BalanceRecord] { return s.balances }
func (s *MemoryState) Assets() Table[ledger.AssetID, ledger.AssetRecord]     { return s.assets }

func (s *MemoryState) Orders(kind ledger.OrderKind) Table[ledger.MarketIndexKey, ledger.OrderRecord] {
	switch kind {
	case ledger.OrderKindBid:
		return s.bids
	case ledger.OrderKindAsk:
		return s.asks
	case ledger.OrderKindShort:
		return s.shorts
	}
	panic(noIndex(kind))
}

func (s *MemoryState) Collateral() Table[ledger.MarketIndexKey, ledger.CollateralRecord] {
	return s.collateral
}

func (s *MemoryState) MarketStatuses() Table[ledger.PairKey, ledger.MarketStatus] {
	return s.statuses
}

func (s *MemoryState) MarketHistory() Table[ledger.MarketHistoryKey, ledger.MarketHistoryRecord] {
	return s.history
}

func (s *MemoryState) FeedPrices() Table[ledger.PairKey, ledger.Price] { return s.feeds }
