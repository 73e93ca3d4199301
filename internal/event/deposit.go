package event

import (
	"MarketLedger/internal/ledger"

	"github.com/google/uuid"
)

// Deposit credits a signature-guarded balance of Owner.
type Deposit struct {
	DepositID uuid.UUID      `json:"deposit_id"`
	Owner     ledger.Address `json:"owner"`
	AssetID   ledger.AssetID `json:"asset_id"`
	SlateID   ledger.SlateID `json:"slate_id,omitempty"`
	Amount    int64          `json:"amount"`
}

func (d *Deposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *Deposit) TxType() TxType {
	return TxTypeDeposit
}

// AssetCreate registers a new asset.
type AssetCreate struct {
	TxID   uuid.UUID          `json:"tx_id"`
	Record ledger.AssetRecord `json:"record"`
}

func (a *AssetCreate) IdempotencyKey() string {
	return a.TxID.String()
}

func (a *AssetCreate) TxType() TxType {
	return TxTypeAssetCreate
}
