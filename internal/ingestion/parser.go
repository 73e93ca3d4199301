package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"MarketLedger/internal/event"
	"MarketLedger/internal/ledger"
)

// ErrMalformedBlock wraps every wire format rejection.
var ErrMalformedBlock = errors.New("malformed block")

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Prices are decimal
// strings of quote units per base unit; addresses are hex.

type blockJSON struct {
	Height          uint64           `json:"height"`
	Timestamp       int64            `json:"timestamp"`
	Assets          []assetJSON      `json:"assets"`
	Deposits        []depositJSON    `json:"deposits"`
	Orders          []orderJSON      `json:"orders"`
	FeedPrices      []feedJSON       `json:"feed_prices"`
	Withdrawals     []withdrawalJSON `json:"withdrawals"`
	CancelAllShorts bool             `json:"cancel_all_shorts"`
	Pairs           []ledger.PairKey `json:"pairs"`
}

type assetJSON struct {
	TxID               string `json:"tx_id"`
	ID                 uint32 `json:"id"`
	Symbol             string `json:"symbol"`
	Precision          int64  `json:"precision"`
	MaximumShareSupply int64  `json:"maximum_share_supply"`
	MarketIssued       bool   `json:"market_issued"`
}

type depositJSON struct {
	DepositID string `json:"deposit_id"`
	Owner     string `json:"owner"`
	AssetID   uint32 `json:"asset_id"`
	SlateID   uint64 `json:"slate_id"`
	Amount    int64  `json:"amount"`
}

type orderJSON struct {
	OrderID         string  `json:"order_id"`
	Kind            string  `json:"kind"`
	Owner           string  `json:"owner"`
	QuoteID         uint32  `json:"quote_id"`
	BaseID          uint32  `json:"base_id"`
	Price           string  `json:"price"`
	Balance         int64   `json:"balance"`
	ShortPriceLimit *string `json:"short_price_limit"`
}

type feedJSON struct {
	QuoteID uint32 `json:"quote_id"`
	BaseID  uint32 `json:"base_id"`
	Price   string `json:"price"`
}

type withdrawalJSON struct {
	WithdrawalID string   `json:"withdrawal_id"`
	BalanceID    string   `json:"balance_id"`
	Amount       int64    `json:"amount"`
	Signers      []string `json:"signers"`
}

// ParseBlock decodes and shape-checks a block. Ledger rules (known assets,
// balances, signatures) are left to the core.
func ParseBlock(data []byte) (*event.Block, error) {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlock, err)
	}
	if j.Height == 0 {
		return nil, fmt.Errorf("%w: height must be positive", ErrMalformedBlock)
	}
	if j.Timestamp <= 0 {
		return nil, fmt.Errorf("%w: timestamp must be positive", ErrMalformedBlock)
	}

	b := &event.Block{
		Height:          j.Height,
		Timestamp:       j.Timestamp,
		CancelAllShorts: j.CancelAllShorts,
		Pairs:           j.Pairs,
	}

	for i, a := range j.Assets {
		id, err := parseUUID("assets", i, a.TxID)
		if err != nil {
			return nil, err
		}
		b.Assets = append(b.Assets, event.AssetCreate{
			TxID: id,
			Record: ledger.AssetRecord{
				ID:                 ledger.AssetID(a.ID),
				Symbol:             a.Symbol,
				Precision:          a.Precision,
				MaximumShareSupply: a.MaximumShareSupply,
				MarketIssued:       a.MarketIssued,
			},
		})
	}

	for i, d := range j.Deposits {
		id, err := parseUUID("deposits", i, d.DepositID)
		if err != nil {
			return nil, err
		}
		owner, err := parseAddress("deposits", i, d.Owner)
		if err != nil {
			return nil, err
		}
		b.Deposits = append(b.Deposits, event.Deposit{
			DepositID: id,
			Owner:     owner,
			AssetID:   ledger.AssetID(d.AssetID),
			SlateID:   ledger.SlateID(d.SlateID),
			Amount:    d.Amount,
		})
	}

	for i, o := range j.Orders {
		ord, err := parseOrder(i, o)
		if err != nil {
			return nil, err
		}
		b.Orders = append(b.Orders, ord)
	}

	for i, f := range j.FeedPrices {
		quote, base := ledger.AssetID(f.QuoteID), ledger.AssetID(f.BaseID)
		p, err := ledger.ParsePrice(f.Price, quote, base)
		if err != nil {
			return nil, fmt.Errorf("%w: feed_prices[%d]: %v", ErrMalformedBlock, i, err)
		}
		b.FeedPrices = append(b.FeedPrices, event.FeedPrice{
			Pair:  ledger.PairKey{QuoteID: quote, BaseID: base},
			Price: p,
		})
	}

	for i, w := range j.Withdrawals {
		id, err := parseUUID("withdrawals", i, w.WithdrawalID)
		if err != nil {
			return nil, err
		}
		bal, err := parseAddress("withdrawals", i, w.BalanceID)
		if err != nil {
			return nil, err
		}
		wd := event.Withdrawal{WithdrawalID: id, BalanceID: bal, Amount: w.Amount}
		for _, s := range w.Signers {
			signer, err := parseAddress("withdrawals", i, s)
			if err != nil {
				return nil, err
			}
			wd.Signers = append(wd.Signers, signer)
		}
		b.Withdrawals = append(b.Withdrawals, wd)
	}

	return b, nil
}

func parseOrder(i int, o orderJSON) (event.OrderPlacement, error) {
	var ord event.OrderPlacement
	id, err := parseUUID("orders", i, o.OrderID)
	if err != nil {
		return ord, err
	}
	kind, ok := ledger.ParseOrderKind(o.Kind)
	if !ok || kind == ledger.OrderKindCover {
		return ord, fmt.Errorf("%w: orders[%d]: kind %q", ErrMalformedBlock, i, o.Kind)
	}
	owner, err := parseAddress("orders", i, o.Owner)
	if err != nil {
		return ord, err
	}
	quote, base := ledger.AssetID(o.QuoteID), ledger.AssetID(o.BaseID)
	price, err := ledger.ParsePrice(o.Price, quote, base)
	if err != nil {
		return ord, fmt.Errorf("%w: orders[%d]: %v", ErrMalformedBlock, i, err)
	}

	ord = event.OrderPlacement{
		OrderID: id,
		Kind:    kind,
		Owner:   owner,
		Price:   price,
		Balance: o.Balance,
	}
	if o.ShortPriceLimit != nil {
		limit, err := ledger.ParsePrice(*o.ShortPriceLimit, quote, base)
		if err != nil {
			return ord, fmt.Errorf("%w: orders[%d] limit: %v", ErrMalformedBlock, i, err)
		}
		ord.ShortPriceLimit = &limit
	}
	return ord, nil
}

func parseUUID(field string, i int, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return id, fmt.Errorf("%w: %s[%d]: id: %v", ErrMalformedBlock, field, i, err)
	}
	return id, nil
}

func parseAddress(field string, i int, s string) (ledger.Address, error) {
	a, err := ledger.ParseAddress(s)
	if err != nil {
		return a, fmt.Errorf("%w: %s[%d]: %v", ErrMalformedBlock, field, i, err)
	}
	return a, nil
}
