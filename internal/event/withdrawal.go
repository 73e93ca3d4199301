package event

import (
	"MarketLedger/internal/ledger"

	"github.com/google/uuid"
)

// Withdrawal takes Amount out of the balance stored under BalanceID. Signers are the
// owners whose signatures the carrying transaction holds.
type Withdrawal struct {
	WithdrawalID uuid.UUID        `json:"withdrawal_id"`
	BalanceID    ledger.Address   `json:"balance_id"`
	Amount       int64            `json:"amount"`
	Signers      []ledger.Address `json:"signers,omitempty"`
}

func (w *Withdrawal) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *Withdrawal) TxType() TxType {
	return TxTypeWithdrawal
}
