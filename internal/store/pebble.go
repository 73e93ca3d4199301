package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"

	"github.com/cockroachdb/pebble"
)

// One prefix byte per table. Keys after the prefix use the order-preserving ledger encodings.
const (
	prefixBalances   byte = 'b'
	prefixAssets     byte = 'a'
	prefixBids       byte = 'B'
	prefixAsks       byte = 'A'
	prefixShorts     byte = 'S'
	prefixCollateral byte = 'C'
	prefixStatus     byte = 'm'
	prefixHistory    byte = 'h'
	prefixFeeds      byte = 'f'
	prefixMeta       byte = '~'
)

var (
	metaHeadKey      = []byte{prefixMeta, 'h'}
	metaStateHashKey = []byte{prefixMeta, 's'}
)

// PebbleState is the durable ChainState. All writes of a block collect in an indexed
// batch, which reads see immediately; Flush commits the batch with a synced write.
type PebbleState struct {
	db    *pebble.DB
	batch *pebble.Batch

	head uint64
	now  int64

	balances   *pebbleTable[ledger.Address, ledger.BalanceRecord]
	assets     *pebbleTable[ledger.AssetID, ledger.AssetRecord]
	bids       *pebbleTable[ledger.MarketIndexKey, ledger.OrderRecord]
	asks       *pebbleTable[ledger.MarketIndexKey, ledger.OrderRecord]
	shorts     *pebbleTable[ledger.MarketIndexKey, ledger.OrderRecord]
	collateral *pebbleTable[ledger.MarketIndexKey, ledger.CollateralRecord]
	statuses   *pebbleTable[ledger.PairKey, ledger.MarketStatus]
	history    *pebbleTable[ledger.MarketHistoryKey, ledger.MarketHistoryRecord]
	feeds      *pebbleTable[ledger.PairKey, ledger.Price]
}

var _ state.ChainState = (*PebbleState)(nil)

// Open opens or creates the store in dir and loads the committed head.
func Open(dir string) (*PebbleState, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}

	s := &PebbleState{db: db, batch: db.NewIndexedBatch()}
	s.balances = newPebbleTable[ledger.Address, ledger.BalanceRecord](s, prefixBalances, state.AddressCodec)
	s.assets = newPebbleTable[ledger.AssetID, ledger.AssetRecord](s, prefixAssets, state.AssetIDCodec)
	s.bids = newPebbleTable[ledger.MarketIndexKey, ledger.OrderRecord](s, prefixBids, state.IndexKeyCodec)
	s.asks = newPebbleTable[ledger.MarketIndexKey, ledger.OrderRecord](s, prefixAsks, state.IndexKeyCodec)
	s.shorts = newPebbleTable[ledger.MarketIndexKey, ledger.OrderRecord](s, prefixShorts, state.IndexKeyCodec)
	s.collateral = newPebbleTable[ledger.MarketIndexKey, ledger.CollateralRecord](s, prefixCollateral, state.IndexKeyCodec)
	s.statuses = newPebbleTable[ledger.PairKey, ledger.MarketStatus](s, prefixStatus, state.PairCodec)
	s.history = newPebbleTable[ledger.MarketHistoryKey, ledger.MarketHistoryRecord](s, prefixHistory, state.HistoryKeyCodec)
	s.feeds = newPebbleTable[ledger.PairKey, ledger.Price](s, prefixFeeds, state.PairCodec)

	val, closer, err := db.Get(metaHeadKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("read head: %w", err)
	default:
		if len(val) == 16 {
			s.head = binary.BigEndian.Uint64(val[:8])
			s.now = int64(binary.BigEndian.Uint64(val[8:]))
		}
		closer.Close()
	}
	return s, nil
}

func (s *PebbleState) Now() int64           { return s.now }
func (s *PebbleState) HeadBlockNum() uint64 { return s.head }

func (s *PebbleState) SetHead(height uint64, now int64) {
	s.head = height
	s.now = now
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint64(buf[8:], uint64(now))
	// an indexed batch only fails Set once committed, and Flush replaces it
	_ = s.batch.Set(metaHeadKey, buf, nil)
}

// SetStateHash records the hash chain head next to the state it describes.
func (s *PebbleState) SetStateHash(hash []byte) error {
	return s.batch.Set(metaStateHashKey, hash, nil)
}

// StateHash returns the hash stored by the last flushed block, or nil on a fresh store.
func (s *PebbleState) StateHash() ([]byte, error) {
	val, closer, err := s.batch.Get(metaStateHashKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), nil
}

// Flush commits every buffered write durably and starts a new batch.
func (s *PebbleState) Flush() error {
	if s.batch.Empty() {
		return nil
	}
	if err := s.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	s.batch.Close()
	s.batch = s.db.NewIndexedBatch()
	return nil
}

// Close drops any unflushed writes and closes the database.
func (s *PebbleState) Close() error {
	s.batch.Close()
	return s.db.Close()
}

func (s *PebbleState) Balances() state.Table[ledger.Address, ledger.BalanceRecord] {
	return s.balances
}

func (s *PebbleState) Assets() state.Table[ledger.AssetID, ledger.AssetRecord] {
	return s.assets
}

func (s *PebbleState) Orders(kind ledger.OrderKind) state.Table[ledger.MarketIndexKey, ledger.OrderRecord] {
	switch kind {
	case ledger.OrderKindBid:
		return s.bids
	case ledger.OrderKindAsk:
		return s.asks
	case ledger.OrderKindShort:
		return s.shorts
	}
	panic(fmt.Sprintf("FATAL: no order index for kind %s", kind))
}

func (s *PebbleState) Collateral() state.Table[ledger.MarketIndexKey, ledger.CollateralRecord] {
	return s.collateral
}

func (s *PebbleState) MarketStatuses() state.Table[ledger.PairKey, ledger.MarketStatus] {
	return s.statuses
}

func (s *PebbleState) MarketHistory() state.Table[ledger.MarketHistoryKey, ledger.MarketHistoryRecord] {
	return s.history
}

func (s *PebbleState) FeedPrices() state.Table[ledger.PairKey, ledger.Price] {
	return s.feeds
}

// pebbleTable stores JSON values under prefix+encoded key.
type pebbleTable[K, V any] struct {
	s      *PebbleState
	prefix byte
	codec  state.Codec[K]
}

func newPebbleTable[K, V any](s *PebbleState, prefix byte, codec state.Codec[K]) *pebbleTable[K, V] {
	return &pebbleTable[K, V]{s: s, prefix: prefix, codec: codec}
}

func (t *pebbleTable[K, V]) key(k K) []byte {
	return t.codec.Append([]byte{t.prefix}, k)
}

func (t *pebbleTable[K, V]) Get(k K) (V, bool, error) {
	var v V
	val, closer, err := t.s.batch.Get(t.key(k))
	if errors.Is(err, pebble.ErrNotFound) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("get %q: %w", t.prefix, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, &v); err != nil {
		return v, false, fmt.Errorf("decode %q value: %w", t.prefix, err)
	}
	return v, true, nil
}

func (t *pebbleTable[K, V]) Put(k K, v V) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q value: %w", t.prefix, err)
	}
	return t.s.batch.Set(t.key(k), data, nil)
}

func (t *pebbleTable[K, V]) Delete(k K) error {
	return t.s.batch.Delete(t.key(k), nil)
}

func (t *pebbleTable[K, V]) iter() (*pebble.Iterator, error) {
	return t.s.batch.NewIter(&pebble.IterOptions{
		LowerBound: []byte{t.prefix},
		UpperBound: []byte{t.prefix + 1},
	})
}

func (t *pebbleTable[K, V]) LowerBound(k K) state.Cursor[K, V] {
	iter, err := t.iter()
	if err != nil {
		return state.ErrCursor[K, V](err)
	}
	iter.SeekGE(t.key(k))
	return &pebbleCursor[K, V]{iter: iter, codec: t.codec}
}

func (t *pebbleTable[K, V]) First() state.Cursor[K, V] {
	iter, err := t.iter()
	if err != nil {
		return state.ErrCursor[K, V](err)
	}
	iter.First()
	return &pebbleCursor[K, V]{iter: iter, codec: t.codec}
}

func (t *pebbleTable[K, V]) Last() state.Cursor[K, V] {
	iter, err := t.iter()
	if err != nil {
		return state.ErrCursor[K, V](err)
	}
	iter.Last()
	return &pebbleCursor[K, V]{iter: iter, codec: t.codec}
}

type pebbleCursor[K, V any] struct {
	iter   *pebble.Iterator
	codec  state.Codec[K]
	err    error
	closed bool
}

func (c *pebbleCursor[K, V]) Valid() bool {
	return !c.closed && c.err == nil && c.iter.Valid()
}

func (c *pebbleCursor[K, V]) Key() K {
	k, err := c.codec.Decode(c.iter.Key()[1:])
	if err != nil && c.err == nil {
		c.err = err
	}
	return k
}

func (c *pebbleCursor[K, V]) Value() V {
	var v V
	if err := json.Unmarshal(c.iter.Value(), &v); err != nil && c.err == nil {
		c.err = fmt.Errorf("decode value: %w", err)
	}
	return v
}

func (c *pebbleCursor[K, V]) Next() {
	if c.Valid() {
		c.iter.Next()
	}
}

func (c *pebbleCursor[K, V]) Prev() {
	if c.Valid() {
		c.iter.Prev()
	}
}

func (c *pebbleCursor[K, V]) Err() error {
	if c.err != nil {
		return c.err
	}
	if c.closed {
		return nil
	}
	return c.iter.Error()
}

func (c *pebbleCursor[K, V]) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.iter.Close()
}
