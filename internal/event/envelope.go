package event

import "fmt"

// TxType discriminator for block transactions
type TxType int32

const (
	TxTypeUnknown TxType = iota
	TxTypeAssetCreate
	TxTypeDeposit
	TxTypeOrder
	TxTypeWithdrawal
)

func (t TxType) String() string {
	switch t {
	case TxTypeAssetCreate:
		return "AssetCreate"
	case TxTypeDeposit:
		return "Deposit"
	case TxTypeOrder:
		return "Order"
	case TxTypeWithdrawal:
		return "Withdrawal"
	default:
		return "Unknown"
	}
}

// Tx is the interface every block transaction implements
type Tx interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// TxType returns the discriminator
	TxType() TxType
}

// BlockEnvelope is an applied block as kept in the block log.
type BlockEnvelope struct {
	Height    uint64
	Timestamp int64

	// JSON encoding of the Block
	Payload []byte

	// Hash chain head after the block
	StateHash [32]byte

	// Previous block's state hash
	PrevHash [32]byte
}

// BlockKey is the idempotency key of the block at height.
func BlockKey(height uint64) string {
	return fmt.Sprintf("block:%d", height)
}
