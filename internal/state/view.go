package state

import (
	"bytes"
	"fmt"

	"MarketLedger/internal/ledger"
)

// Cursor walks a table in key order. A cursor that has run off either end stays invalid.
type Cursor[K, V any] interface {
	Valid() bool
	Key() K
	Value() V
	Next()
	Prev()
	Err() error
	Close() error
}

// Table is an ordered keyed collection of records.
type Table[K, V any] interface {
	Get(k K) (V, bool, error)
	Put(k K, v V) error
	Delete(k K) error
	// LowerBound positions at the first key >= k.
	LowerBound(k K) Cursor[K, V]
	First() Cursor[K, V]
	Last() Cursor[K, V]
}

// ChainState is the ledger view the market engine and the withdraw evaluator work against.
type ChainState interface {
	Now() int64
	HeadBlockNum() uint64
	SetHead(height uint64, now int64)

	Balances() Table[ledger.Address, ledger.BalanceRecord]
	Assets() Table[ledger.AssetID, ledger.AssetRecord]
	Orders(kind ledger.OrderKind) Table[ledger.MarketIndexKey, ledger.OrderRecord]
	Collateral() Table[ledger.MarketIndexKey, ledger.CollateralRecord]
	MarketStatuses() Table[ledger.PairKey, ledger.MarketStatus]
	MarketHistory() Table[ledger.MarketHistoryKey, ledger.MarketHistoryRecord]
	FeedPrices() Table[ledger.PairKey, ledger.Price]
}

// BookKinds are the order kinds with their own index. Covers live in Collateral.
var BookKinds = []ledger.OrderKind{ledger.OrderKindBid, ledger.OrderKindAsk, ledger.OrderKindShort}

func noIndex(kind ledger.OrderKind) string {
	return fmt.Sprintf("FATAL: no order index for kind %s", kind)
}

// Codec orders a key type and maps it to order-preserving bytes.
type Codec[K any] struct {
	Cmp    func(a, b K) int
	Append func(dst []byte, k K) []byte
	Decode func(b []byte) (K, error)
}

var (
	AddressCodec = Codec[ledger.Address]{
		Cmp:    func(a, b ledger.Address) int { return bytes.Compare(a[:], b[:]) },
		Append: ledger.AppendAddress,
		Decode: ledger.DecodeAddress,
	}
	AssetIDCodec = Codec[ledger.AssetID]{
		Cmp: func(a, b ledger.AssetID) int {
			switch {
			case a < b:
				return -1
			case a > b:
				return 1
			}
			return 0
		},
		Append: ledger.AppendAssetID,
		Decode: ledger.DecodeAssetID,
	}
	IndexKeyCodec = Codec[ledger.MarketIndexKey]{
		Cmp:    ledger.MarketIndexKey.Cmp,
		Append: ledger.AppendMarketIndexKey,
		Decode: ledger.DecodeMarketIndexKey,
	}
	PairCodec = Codec[ledger.PairKey]{
		Cmp:    ledger.PairKey.Cmp,
		Append: ledger.AppendPair,
		Decode: ledger.DecodePair,
	}
	HistoryKeyCodec = Codec[ledger.MarketHistoryKey]{
		Cmp:    ledger.MarketHistoryKey.Cmp,
		Append: ledger.AppendMarketHistoryKey,
		Decode: ledger.DecodeMarketHistoryKey,
	}
)

// invalidCursor is returned when a table cannot produce a position.
type invalidCursor[K, V any] struct {
	err error
}

func (c invalidCursor[K, V]) Valid() bool { return false }
func (c invalidCursor[K, V]) Key() K {
	var k K
	return k
}
func (c invalidCursor[K, V]) Value() V {
	var v V
	return v
}
func (c invalidCursor[K, V]) Next()        {}
func (c invalidCursor[K, V]) Prev()        {}
func (c invalidCursor[K, V]) Err() error   { return c.err }
func (c invalidCursor[K, V]) Close() error { return nil }

// ErrCursor returns an invalid cursor carrying err.
func ErrCursor[K, V any](err error) Cursor[K, V] {
	return invalidCursor[K, V]{err: err}
}
