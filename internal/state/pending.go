package state

import (
	"fmt"
	"sort"

	"MarketLedger/internal/ledger"
)

type overlayEntry[V any] struct {
	value   V
	deleted bool
}

// pendingTable buffers writes over a parent table. Reads fall through on a miss.
type pendingTable[K comparable, V any] struct {
	parent Table[K, V]
	cmp    func(a, b K) int
	writes map[K]overlayEntry[V]

	// live is the sorted list of written (not deleted) keys, rebuilt lazily
	live      []K
	liveDirty bool
}

func newPendingTable[K comparable, V any](parent Table[K, V], codec Codec[K]) *pendingTable[K, V] {
	return &pendingTable[K, V]{
		parent: parent,
		cmp:    codec.Cmp,
		writes: make(map[K]overlayEntry[V]),
	}
}

func (t *pendingTable[K, V]) Get(k K) (V, bool, error) {
	if e, ok := t.writes[k]; ok {
		if e.deleted {
			var zero V
			return zero, false, nil
		}
		return e.value, true, nil
	}
	return t.parent.Get(k)
}

func (t *pendingTable[K, V]) Put(k K, v V) error {
	t.writes[k] = overlayEntry[V]{value: v}
	t.liveDirty = true
	return nil
}

func (t *pendingTable[K, V]) Delete(k K) error {
	t.writes[k] = overlayEntry[V]{deleted: true}
	t.liveDirty = true
	return nil
}

func (t *pendingTable[K, V]) liveKeys() []K {
	if t.liveDirty || t.live == nil {
		t.live = t.live[:0]
		for k, e := range t.writes {
			if !e.deleted {
				t.live = append(t.live, k)
			}
		}
		sort.Slice(t.live, func(i, j int) bool { return t.cmp(t.live[i], t.live[j]) < 0 })
		t.liveDirty = false
	}
	return t.live
}

func (t *pendingTable[K, V]) hidden(k K) bool {
	_, ok := t.writes[k]
	return ok
}

// parentAfter finds the smallest parent key > k (or >= k when inclusive) that the overlay does not shadow.
func (t *pendingTable[K, V]) parentAfter(k K, inclusive bool) (K, V, bool, error) {
	c := t.parent.LowerBound(k)
	defer c.Close()
	if !inclusive && c.Valid() && t.cmp(c.Key(), k) == 0 {
		c.Next()
	}
	for c.Valid() && t.hidden(c.Key()) {
		c.Next()
	}
	var zk K
	var zv V
	if err := c.Err(); err != nil {
		return zk, zv, false, err
	}
	if !c.Valid() {
		return zk, zv, false, nil
	}
	return c.Key(), c.Value(), true, nil
}

// parentBefore finds the largest parent key < k not shadowed by the overlay.
func (t *pendingTable[K, V]) parentBefore(k K) (K, V, bool, error) {
	c := t.parent.LowerBound(k)
	defer func() { c.Close() }()
	if c.Valid() {
		c.Prev()
	} else if c.Err() == nil {
		c.Close()
		// every parent key is below k
		c = t.parent.Last()
	}
	for c.Valid() && t.hidden(c.Key()) {
		c.Prev()
	}
	var zk K
	var zv V
	if err := c.Err(); err != nil {
		return zk, zv, false, err
	}
	if !c.Valid() {
		return zk, zv, false, nil
	}
	return c.Key(), c.Value(), true, nil
}

func (t *pendingTable[K, V]) parentLast() (K, V, bool, error) {
	c := t.parent.Last()
	defer c.Close()
	for c.Valid() && t.hidden(c.Key()) {
		c.Prev()
	}
	var zk K
	var zv V
	if err := c.Err(); err != nil {
		return zk, zv, false, err
	}
	if !c.Valid() {
		return zk, zv, false, nil
	}
	return c.Key(), c.Value(), true, nil
}

func (t *pendingTable[K, V]) LowerBound(k K) Cursor[K, V] {
	c := &mergedCursor[K, V]{t: t}
	c.seekAfter(k, true)
	return c
}

func (t *pendingTable[K, V]) First() Cursor[K, V] {
	c := &mergedCursor[K, V]{t: t}
	c.seekFirst()
	return c
}

func (t *pendingTable[K, V]) Last() Cursor[K, V] {
	c := &mergedCursor[K, V]{t: t}
	c.seekLast()
	return c
}

// commit writes the overlay into the parent in key order.
func (t *pendingTable[K, V]) commit() error {
	keys := make([]K, 0, len(t.writes))
	for k := range t.writes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return t.cmp(keys[i], keys[j]) < 0 })
	for _, k := range keys {
		e := t.writes[k]
		var err error
		if e.deleted {
			err = t.parent.Delete(k)
		} else {
			err = t.parent.Put(k, e.value)
		}
		if err != nil {
			return err
		}
	}
	t.discard()
	return nil
}

func (t *pendingTable[K, V]) discard() {
	t.writes = make(map[K]overlayEntry[V])
	t.live = nil
	t.liveDirty = false
}

func (t *pendingTable[K, V]) size() int {
	return len(t.writes)
}

// mergedCursor walks the union of overlay and parent. It holds only its current key
// and re-seeks both sides on every step, so it stays correct while the overlay changes.
type mergedCursor[K comparable, V any] struct {
	t     *pendingTable[K, V]
	key   K
	value V
	valid bool
	err   error
}

func (c *mergedCursor[K, V]) set(k K, v V, ok bool, err error) {
	c.key, c.value, c.valid, c.err = k, v, ok && err == nil, err
}

func (c *mergedCursor[K, V]) seekAfter(k K, inclusive bool) {
	pk, pv, pok, err := c.t.parentAfter(k, inclusive)
	if err != nil {
		c.set(pk, pv, false, err)
		return
	}

	live := c.t.liveKeys()
	i := sort.Search(len(live), func(i int) bool {
		d := c.t.cmp(live[i], k)
		if inclusive {
			return d >= 0
		}
		return d > 0
	})
	if i < len(live) && (!pok || c.t.cmp(live[i], pk) < 0) {
		c.set(live[i], c.t.writes[live[i]].value, true, nil)
		return
	}
	c.set(pk, pv, pok, nil)
}

func (c *mergedCursor[K, V]) seekBefore(k K) {
	pk, pv, pok, err := c.t.parentBefore(k)
	if err != nil {
		c.set(pk, pv, false, err)
		return
	}

	live := c.t.liveKeys()
	i := sort.Search(len(live), func(i int) bool { return c.t.cmp(live[i], k) >= 0 }) - 1
	if i >= 0 && (!pok || c.t.cmp(live[i], pk) > 0) {
		c.set(live[i], c.t.writes[live[i]].value, true, nil)
		return
	}
	c.set(pk, pv, pok, nil)
}

func (c *mergedCursor[K, V]) seekFirst() {
	first := c.t.parent.First()
	defer first.Close()
	if err := first.Err(); err != nil {
		c.set(c.key, c.value, false, err)
		return
	}
	live := c.t.liveKeys()
	switch {
	case first.Valid() && len(live) > 0 && c.t.cmp(live[0], first.Key()) < 0:
		c.set(live[0], c.t.writes[live[0]].value, true, nil)
	case first.Valid():
		c.seekAfter(first.Key(), true)
	case len(live) > 0:
		c.set(live[0], c.t.writes[live[0]].value, true, nil)
	default:
		c.valid = false
	}
}

func (c *mergedCursor[K, V]) seekLast() {
	pk, pv, pok, err := c.t.parentLast()
	if err != nil {
		c.set(pk, pv, false, err)
		return
	}
	live := c.t.liveKeys()
	if n := len(live); n > 0 && (!pok || c.t.cmp(live[n-1], pk) > 0) {
		c.set(live[n-1], c.t.writes[live[n-1]].value, true, nil)
		return
	}
	c.set(pk, pv, pok, nil)
}

func (c *mergedCursor[K, V]) Valid() bool { return c.valid }
func (c *mergedCursor[K, V]) Key() K      { return c.key }
func (c *mergedCursor[K, V]) Value() V    { return c.value }
func (c *mergedCursor[K, V]) Err() error  { return c.err }
func (c *mergedCursor[K, V]) Close() error {
	c.valid = false
	return nil
}

func (c *mergedCursor[K, V]) Next() {
	if c.valid {
		c.seekAfter(c.key, false)
	}
}

func (c *mergedCursor[K, V]) Prev() {
	if c.valid {
		c.seekBefore(c.key)
	}
}

// PendingState is a copy-on-write layer over a parent ChainState. Writes stay in the
// layer until Commit folds them into the parent; Discard drops them.
type PendingState struct {
	parent ChainState

	head    uint64
	now     int64
	headSet bool

	balances   *pendingTable[ledger.Address, ledger.BalanceRecord]
	assets     *pendingTable[ledger.AssetID, ledger.AssetRecord]
	bids       *pendingTable[ledger.MarketIndexKey, ledger.OrderRecord]
	asks       *pendingTable[ledger.MarketIndexKey, ledger.OrderRecord]
	shorts     *pendingTable[ledger.MarketIndexKey, ledger.OrderRecord]
	collateral *pendingTable[ledger.MarketIndexKey, ledger.CollateralRecord]
	statuses   *pendingTable[ledger.PairKey, ledger.MarketStatus]
	history    *pendingTable[ledger.MarketHistoryKey, ledger.MarketHistoryRecord]
	feeds      *pendingTable[ledger.PairKey, ledger.Price]
}

var _ ChainState = (*PendingState)(nil)

func NewPendingState(parent ChainState) *PendingState {
	return &PendingState{
		parent:     parent,
		balances:   newPendingTable(parent.Balances(), AddressCodec),
		assets:     newPendingTable(parent.Assets(), AssetIDCodec),
		bids:       newPendingTable(parent.Orders(ledger.OrderKindBid), IndexKeyCodec),
		asks:       newPendingTable(parent.Orders(ledger.OrderKindAsk), IndexKeyCodec),
		shorts:     newPendingTable(parent.Orders(ledger.OrderKindShort), IndexKeyCodec),
		collateral: newPendingTable(parent.Collateral(), IndexKeyCodec),
		statuses:   newPendingTable(parent.MarketStatuses(), PairCodec),
		history:    newPendingTable(parent.MarketHistory(), HistoryKeyCodec),
		feeds:      newPendingTable(parent.FeedPrices(), PairCodec),
	}
}

func (p *PendingState) Parent() ChainState { return p.parent }

func (p *PendingState) Now() int64 {
	if p.headSet {
		return p.now
	}
	return p.parent.Now()
}

func (p *PendingState) HeadBlockNum() uint64 {
	if p.headSet {
		return p.head
	}
	return p.parent.HeadBlockNum()
}

func (p *PendingState) SetHead(height uint64, now int64) {
	p.head, p.now, p.headSet = height, now, true
}

func (p *PendingState) Balances() Table[ledger.Address, ledger.BalanceRecord] { return p.balances }
func (p *PendingState) Assets() Table[ledger.AssetID, ledger.AssetRecord]     { return p.assets }

func (p *PendingState) Orders(kind ledger.OrderKind) Table[ledger.MarketIndexKey, ledger.OrderRecord] {
	switch kind {
	case ledger.OrderKindBid:
		return p.bids
	case ledger.OrderKindAsk:
		return p.asks
	case ledger.OrderKindShort:
		return p.shorts
	}
	panic(noIndex(kind))
}

func (p *PendingState) Collateral() Table[ledger.MarketIndexKey, ledger.CollateralRecord] {
	return p.collateral
}

func (p *PendingState) MarketStatuses() Table[ledger.PairKey, ledger.MarketStatus] {
	return p.statuses
}

func (p *PendingState) MarketHistory() Table[ledger.MarketHistoryKey, ledger.MarketHistoryRecord] {
	return p.history
}

func (p *PendingState) FeedPrices() Table[ledger.PairKey, ledger.Price] { return p.feeds }

// Pending reports how many keys the layer has written or deleted.
func (p *PendingState) Pending() int {
	return p.balances.size() + p.assets.size() + p.bids.size() + p.asks.size() +
		p.shorts.size() + p.collateral.size() + p.statuses.size() + p.history.size() + p.feeds.size()
}

// Commit folds every buffered write into the parent and empties the layer.
func (p *PendingState) Commit() error {
	steps := []struct {
		name   string
		commit func() error
	}{
		{"balances", p.balances.commit},
		{"assets", p.assets.commit},
		{"bids", p.bids.commit},
		{"asks", p.asks.commit},
		{"shorts", p.shorts.commit},
		{"collateral", p.collateral.commit},
		{"market_status", p.statuses.commit},
		{"market_history", p.history.commit},
		{"feed_prices", p.feeds.commit},
	}
	for _, s := range steps {
		if err := s.commit(); err != nil {
			return fmt.Errorf("commit %s: %w", s.name, err)
		}
	}
	if p.headSet {
		p.parent.SetHead(p.head, p.now)
		p.headSet = false
	}
	return nil
}

// Discard drops every buffered write.
func (p *PendingState) Discard() {
	p.balances.discard()
	p.assets.discard()
	p.bids.discard()
	p.asks.discard()
	p.shorts.discard()
	p.collateral.discard()
	p.statuses.discard()
	p.history.discard()
	p.feeds.discard()
	p.headSet = false
}
