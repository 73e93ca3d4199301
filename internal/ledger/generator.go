package ledger

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// marketNamespace seeds every derived id so replicas agree on them.
var marketNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("marketledger.market_transaction"))

// IDGenerator assigns ids to the market transactions of one block.
// An id depends only on height, pair and position.
type IDGenerator struct {
	height uint64
}

func NewIDGenerator(height uint64) *IDGenerator {
	return &IDGenerator{height: height}
}

// MarketTransactionID derives the id of the index-th transaction of a pair in this block.
func (g *IDGenerator) MarketTransactionID(pair PairKey, index int) uuid.UUID {
	buf := make([]byte, 0, 8+4+4+8)
	buf = binary.BigEndian.AppendUint64(buf, g.height)
	buf = binary.BigEndian.AppendUint32(buf, uint32(pair.QuoteID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(pair.BaseID))
	buf = binary.BigEndian.AppendUint64(buf, uint64(index))
	return uuid.NewSHA1(marketNamespace, buf)
}

// Assign stamps ids onto trades in order.
func (g *IDGenerator) Assign(pair PairKey, trades []MarketTransaction) {
	for i := range trades {
		trades[i].ID = g.MarketTransactionID(pair, i)
	}
}
