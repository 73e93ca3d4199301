package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"

	"MarketLedger/internal/ingestion"
	"MarketLedger/internal/ledger"
)

const (
	aliceHex = "a100000000000000000000000000000000000000"
	bobHex   = "b000000000000000000000000000000000000000"
)

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func validBlock() map[string]any {
	return map[string]any{
		"height":    12,
		"timestamp": 1_700_000_000,
		"assets": []map[string]any{{
			"tx_id": "550e8400-e29b-41d4-a716-446655440000", "id": 7, "symbol": "USD",
			"precision": 10000, "maximum_share_supply": 1_000_000, "market_issued": true,
		}},
		"deposits": []map[string]any{{
			"deposit_id": "660e8400-e29b-41d4-a716-446655440001", "owner": aliceHex,
			"asset_id": 0, "slate_id": 3, "amount": 500,
		}},
		"orders": []map[string]any{
			{
				"order_id": "770e8400-e29b-41d4-a716-446655440002", "kind": "bid", "owner": aliceHex,
				"quote_id": 7, "base_id": 0, "price": "2", "balance": 200,
			},
			{
				"order_id": "770e8400-e29b-41d4-a716-446655440003", "kind": "short", "owner": bobHex,
				"quote_id": 7, "base_id": 0, "price": "0.05", "balance": 100, "short_price_limit": "2.5",
			},
		},
		"feed_prices": []map[string]any{{"quote_id": 7, "base_id": 0, "price": "1.5"}},
		"withdrawals": []map[string]any{{
			"withdrawal_id": "880e8400-e29b-41d4-a716-446655440004", "balance_id": bobHex,
			"amount": 10, "signers": []string{bobHex},
		}},
		"cancel_all_shorts": true,
		"pairs":             []map[string]any{{"quote_id": 7, "base_id": 0}},
	}
}

func TestParseBlock(t *testing.T) {
	b, err := ingestion.ParseBlock(mustJSON(t, validBlock()))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if b.Height != 12 || b.Timestamp != 1_700_000_000 || !b.CancelAllShorts {
		t.Errorf("header = %d/%d/%v", b.Height, b.Timestamp, b.CancelAllShorts)
	}
	if len(b.Assets) != 1 || b.Assets[0].Record.Symbol != "USD" || !b.Assets[0].Record.MarketIssued {
		t.Errorf("assets = %+v", b.Assets)
	}
	if d := b.Deposits[0]; d.Owner.String() != aliceHex || d.SlateID != 3 || d.Amount != 500 {
		t.Errorf("deposit = %+v", d)
	}

	if len(b.Orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(b.Orders))
	}
	bid := b.Orders[0]
	if bid.Kind != ledger.OrderKindBid || bid.Price.Cmp(ledger.MustParsePrice("2", 7, 0)) != 0 {
		t.Errorf("bid = %+v", bid)
	}
	short := b.Orders[1]
	if short.ShortPriceLimit == nil || short.ShortPriceLimit.Cmp(ledger.MustParsePrice("2.5", 7, 0)) != 0 {
		t.Errorf("short limit = %v", short.ShortPriceLimit)
	}

	if f := b.FeedPrices[0]; f.Pair != (ledger.PairKey{QuoteID: 7, BaseID: 0}) || f.Price.Decimal().String() != "1.5" {
		t.Errorf("feed = %+v", f)
	}
	if w := b.Withdrawals[0]; len(w.Signers) != 1 || w.Signers[0].String() != bobHex {
		t.Errorf("withdrawal = %+v", w)
	}
	if len(b.Pairs) != 1 {
		t.Errorf("pairs = %v", b.Pairs)
	}
	if got := len(b.Txs()); got != 5 {
		t.Errorf("txs = %d, want 5", got)
	}
}

func TestParseBlockRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"zero height", func(m map[string]any) { m["height"] = 0 }},
		{"no timestamp", func(m map[string]any) { delete(m, "timestamp") }},
		{"bad deposit id", func(m map[string]any) {
			m["deposits"].([]map[string]any)[0]["deposit_id"] = "nope"
		}},
		{"short owner", func(m map[string]any) {
			m["deposits"].([]map[string]any)[0]["owner"] = "a1"
		}},
		{"cover kind", func(m map[string]any) {
			m["orders"].([]map[string]any)[0]["kind"] = "cover"
		}},
		{"price precision", func(m map[string]any) {
			m["orders"].([]map[string]any)[0]["price"] = "0.0000000000000000001"
		}},
		{"feed not a number", func(m map[string]any) {
			m["feed_prices"].([]map[string]any)[0]["price"] = "abc"
		}},
		{"bad signer", func(m map[string]any) {
			m["withdrawals"].([]map[string]any)[0]["signers"] = []string{"zz"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := validBlock()
			tt.mutate(m)
			_, err := ingestion.ParseBlock(mustJSON(t, m))
			if !errors.Is(err, ingestion.ErrMalformedBlock) {
				t.Errorf("err = %v, want ErrMalformedBlock", err)
			}
		})
	}

	if _, err := ingestion.ParseBlock([]byte("{")); !errors.Is(err, ingestion.ErrMalformedBlock) {
		t.Errorf("truncated json err = %v", err)
	}
}
