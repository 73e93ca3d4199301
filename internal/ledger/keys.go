package ledger

import (
	"encoding/binary"
	"fmt"

	fpmath "MarketLedger/internal/math"
)

// Key encodings are big-endian so that bytes.Compare on the encoding agrees with Cmp
// on the value. The durable store depends on it for range scans.

const (
	assetIDLen  = 4
	priceLen    = 2*assetIDLen + 16
	indexKeyLen = priceLen + len(Address{})
	historyLen  = 2*assetIDLen + 1 + 8
	pairLen     = 2 * assetIDLen
)

func AppendAssetID(dst []byte, id AssetID) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(id))
}

func DecodeAssetID(b []byte) (AssetID, error) {
	if len(b) != assetIDLen {
		return 0, fmt.Errorf("asset id key: want %d bytes, got %d", assetIDLen, len(b))
	}
	return AssetID(binary.BigEndian.Uint32(b)), nil
}

func AppendAddress(dst []byte, a Address) []byte {
	return append(dst, a[:]...)
}

func DecodeAddress(b []byte) (Address, error) {
	var a Address
	if len(b) != len(a) {
		return a, fmt.Errorf("address key: want %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

func AppendPrice(dst []byte, p Price) []byte {
	dst = AppendAssetID(dst, p.QuoteID)
	dst = AppendAssetID(dst, p.BaseID)
	dst = binary.BigEndian.AppendUint64(dst, p.Ratio.Hi)
	return binary.BigEndian.AppendUint64(dst, p.Ratio.Lo)
}

func decodePrice(b []byte) Price {
	return Price{
		QuoteID: AssetID(binary.BigEndian.Uint32(b[0:4])),
		BaseID:  AssetID(binary.BigEndian.Uint32(b[4:8])),
		Ratio: fpmath.Uint128{
			Hi: binary.BigEndian.Uint64(b[8:16]),
			Lo: binary.BigEndian.Uint64(b[16:24]),
		},
	}
}

func AppendPair(dst []byte, k PairKey) []byte {
	dst = AppendAssetID(dst, k.QuoteID)
	return AppendAssetID(dst, k.BaseID)
}

func DecodePair(b []byte) (PairKey, error) {
	if len(b) != pairLen {
		return PairKey{}, fmt.Errorf("pair key: want %d bytes, got %d", pairLen, len(b))
	}
	return PairKey{
		QuoteID: AssetID(binary.BigEndian.Uint32(b[0:4])),
		BaseID:  AssetID(binary.BigEndian.Uint32(b[4:8])),
	}, nil
}

func AppendMarketIndexKey(dst []byte, k MarketIndexKey) []byte {
	dst = AppendPrice(dst, k.OrderPrice)
	return AppendAddress(dst, k.Owner)
}

func DecodeMarketIndexKey(b []byte) (MarketIndexKey, error) {
	if len(b) != indexKeyLen {
		return MarketIndexKey{}, fmt.Errorf("market index key: want %d bytes, got %d", indexKeyLen, len(b))
	}
	var k MarketIndexKey
	k.OrderPrice = decodePrice(b[:priceLen])
	copy(k.Owner[:], b[priceLen:])
	return k, nil
}

// timestamps flip the sign bit so negative values sort first
func AppendMarketHistoryKey(dst []byte, k MarketHistoryKey) []byte {
	dst = AppendAssetID(dst, k.QuoteID)
	dst = AppendAssetID(dst, k.BaseID)
	dst = append(dst, byte(k.Granularity))
	return binary.BigEndian.AppendUint64(dst, uint64(k.Timestamp)^(1<<63))
}

func DecodeMarketHistoryKey(b []byte) (MarketHistoryKey, error) {
	if len(b) != historyLen {
		return MarketHistoryKey{}, fmt.Errorf("market history key: want %d bytes, got %d", historyLen, len(b))
	}
	return MarketHistoryKey{
		QuoteID:     AssetID(binary.BigEndian.Uint32(b[0:4])),
		BaseID:      AssetID(binary.BigEndian.Uint32(b[4:8])),
		Granularity: Granularity(b[8]),
		Timestamp:   int64(binary.BigEndian.Uint64(b[9:17]) ^ (1 << 63)),
	}, nil
}
