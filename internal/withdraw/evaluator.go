// Package withdraw evaluates withdrawals from balance records, paying fee-pool
// yield on market-issued assets.
package withdraw

import (
	"fmt"

	"MarketLedger/internal/fork"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/state"
)

// voteAsset is the asset whose balances carry delegate votes.
const voteAsset ledger.AssetID = 0

// Request withdraws Amount from the balance stored under BalanceID.
type Request struct {
	BalanceID ledger.Address `json:"balance_id"`
	Amount    int64          `json:"amount"`
}

// EvalState is the transaction a withdrawal is evaluated in.
type EvalState struct {
	State state.ChainState
	Forks fork.Table

	signers map[ledger.Address]struct{}

	// Votes is the net vote change per slate.
	Votes map[ledger.SlateID]int64
	// Balance is what the transaction has withdrawn and may spend, per asset.
	Balance map[ledger.AssetID]int64
	// Yield is the yield paid per asset.
	Yield map[ledger.AssetID]int64
}

// NewEvalState returns a context where signers have signed the transaction.
func NewEvalState(s state.ChainState, forks fork.Table, signers ...ledger.Address) *EvalState {
	ev := &EvalState{
		State:   s,
		Forks:   forks,
		signers: make(map[ledger.Address]struct{}, len(signers)),
		Votes:   make(map[ledger.SlateID]int64),
		Balance: make(map[ledger.AssetID]int64),
		Yield:   make(map[ledger.AssetID]int64),
	}
	for _, a := range signers {
		ev.signers[a] = struct{}{}
	}
	return ev
}

func (ev *EvalState) CheckSignature(owner ledger.Address) bool {
	_, ok := ev.signers[owner]
	return ok
}

func (ev *EvalState) AdjustVote(slate ledger.SlateID, delta int64) {
	ev.Votes[slate] += delta
}

func (ev *EvalState) AddBalance(a ledger.Asset) {
	ev.Balance[a.AssetID] += a.Amount
}

// Evaluate applies req to ev.State. Invalid requests are rejected before any write;
// callers run each withdrawal in its own pending layer so a failed store leaves nothing behind.
func Evaluate(req Request, ev *EvalState) error {
	if req.Amount <= 0 {
		return fmt.Errorf("withdraw %d: %w", req.Amount, ledger.ErrNegativeAmount)
	}

	s := ev.State
	rec, ok, err := s.Balances().Get(req.BalanceID)
	if err != nil {
		return fmt.Errorf("withdraw from %s: %w", req.BalanceID, err)
	}
	if !ok {
		return fmt.Errorf("withdraw from %s: %w", req.BalanceID, ledger.ErrUnknownBalance)
	}
	if req.Amount > rec.Balance {
		return fmt.Errorf("withdraw %d from %s holding %d: %w", req.Amount, req.BalanceID, rec.Balance, ledger.ErrInsufficientFunds)
	}

	switch rec.Condition.Type {
	case ledger.ConditionSignature:
		if !ev.CheckSignature(rec.Condition.Owner) {
			return fmt.Errorf("withdraw from %s: owner %s: %w", req.BalanceID, rec.Condition.Owner, ledger.ErrMissingSignature)
		}
	default:
		return fmt.Errorf("withdraw from %s: %s condition: %w", req.BalanceID, rec.Condition.Type, ledger.ErrInvalidWithdrawCondition)
	}

	asset, ok, err := s.Assets().Get(rec.AssetID())
	if err != nil {
		return fmt.Errorf("withdraw from %s: %w", req.BalanceID, err)
	}
	if !ok {
		return fmt.Errorf("withdraw from %s: asset %d: %w", req.BalanceID, rec.AssetID(), ledger.ErrUnknownAsset)
	}

	now, height := s.Now(), s.HeadBlockNum()
	rec.Balance -= req.Amount
	rec.LastUpdate = now

	if ev.Forks.WithdrawV2(height) {
		if rec.AssetID() == voteAsset && rec.Condition.SlateID != 0 {
			ev.AdjustVote(rec.Condition.SlateID, -req.Amount)
		}
		if asset.IsMarketIssued() {
			if err := payYield(ev, &rec, &asset, now, height); err != nil {
				return fmt.Errorf("withdraw from %s: yield: %w", req.BalanceID, err)
			}
		}
	}

	if err := s.Balances().Put(req.BalanceID, rec); err != nil {
		return fmt.Errorf("withdraw from %s: %w", req.BalanceID, err)
	}
	ev.AddBalance(ledger.NewAsset(req.Amount, rec.AssetID()))
	return nil
}

// payYield credits the remaining balance with its share of the fee pool.
func payYield(ev *EvalState, rec *ledger.BalanceRecord, asset *ledger.AssetRecord, now int64, height uint64) error {
	y, err := Yield(rec.Balance, rec.DepositDate, now, *asset, ev.Forks.Yield(height))
	if err != nil || y <= 0 {
		return err
	}
	asset.CollectedFees -= y
	rec.Balance += y
	rec.DepositDate = now
	ev.Yield[rec.AssetID()] += y
	return ev.State.Assets().Put(asset.ID, *asset)
}
