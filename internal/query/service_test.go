package query_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"MarketLedger/internal/ledger"
	"MarketLedger/internal/persistence"
	"MarketLedger/internal/query"
	"MarketLedger/internal/testutil"
)

var pair = ledger.PairKey{QuoteID: 7, BaseID: 0}

func seed(t *testing.T, ctx context.Context, w *persistence.PersistenceWorker, heights ...uint64) {
	t.Helper()
	var batch []persistence.BlockRows
	for _, h := range heights {
		var hash, prev [32]byte
		hash[0], prev[0] = byte(h), byte(h-1)
		rows := persistence.BlockRows{
			Block: persistence.BlockRow{
				Height: h, BlockTime: int64(h) * 3600, Payload: []byte(`{"height":1}`),
				StateHash: hash[:], PrevHash: prev[:],
			},
			History: []persistence.HistoryRow{{
				QuoteID: 7, BaseID: 0, Granularity: "hour", BucketTime: int64(h) * 3600,
				HighestBid: decimal.NewFromInt(2), LowestAsk: decimal.RequireFromString("1.5"),
				OpeningPrice: decimal.RequireFromString("1.5"), ClosingPrice: decimal.RequireFromString("1.5"),
				Volume: 150, Height: h,
			}},
		}
		for pos := 0; pos < 2; pos++ {
			rows.Trades = append(rows.Trades, persistence.TradeRow{
				ID: uuid.New(), Height: h, Position: pos, QuoteID: 7, BaseID: 0,
				BidType: "bid", AskType: "ask",
				BidPrice: decimal.NewFromInt(2), AskPrice: decimal.RequireFromString("1.5"),
				BidPaid: 200, FeesAsset: 7, FeesCollected: 50,
			})
		}
		batch = append(batch, rows)
	}
	if err := w.Flush(ctx, batch); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestQueryService(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	w := persistence.NewPersistenceWorker(db, nil, 16, 0, nil, zerolog.Nop())
	seed(t, ctx, w, 1, 2, 3)
	qs := query.NewQueryService(db)

	t.Run("transactions page", func(t *testing.T) {
		page, err := qs.GetTransactions(ctx, pair, 1, 0, 3)
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Trades) != 3 || page.NextHeight != 2 || page.NextPosition != 1 {
			t.Fatalf("page = %d trades, next %d/%d", len(page.Trades), page.NextHeight, page.NextPosition)
		}
		if !page.Trades[0].BidPrice.Equal(decimal.NewFromInt(2)) || page.AsOfHeight != 3 {
			t.Errorf("trade = %+v as of %d", page.Trades[0], page.AsOfHeight)
		}
		rest, err := qs.GetTransactions(ctx, pair, page.NextHeight, page.NextPosition, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(rest.Trades) != 3 || rest.NextHeight != 0 {
			t.Errorf("rest = %d trades, next %d", len(rest.Trades), rest.NextHeight)
		}
	})

	t.Run("history range", func(t *testing.T) {
		hist, err := qs.GetHistory(ctx, pair, ledger.GranularityHour, 2*3600, 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(hist.Points) != 2 || hist.Points[0].Timestamp != 2*3600 {
			t.Errorf("points = %+v", hist.Points)
		}
		day, err := qs.GetHistory(ctx, pair, ledger.GranularityDay, 0, 0, 0)
		if err != nil || len(day.Points) != 0 {
			t.Errorf("day points = %v, %v", day, err)
		}
	})

	t.Run("block lookup", func(t *testing.T) {
		b, err := qs.GetBlock(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if b.StateHash[:2] != "02" || b.PrevHash[:2] != "01" {
			t.Errorf("hashes = %s / %s", b.StateHash, b.PrevHash)
		}
		if _, err := qs.GetBlock(ctx, 99); !errors.Is(err, query.ErrNotFound) {
			t.Errorf("missing block err = %v", err)
		}
	})

	t.Run("status not projected", func(t *testing.T) {
		if _, err := qs.GetMarketStatus(ctx, pair); !errors.Is(err, query.ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("integrity", func(t *testing.T) {
		rep, err := qs.VerifyIntegrity(ctx)
		if err != nil {
			t.Fatal(err)
		}
		// seeded hashes are height bytes, so prev(h) == state(h-1)
		if !rep.IsHealthy || rep.LastPersistedHeight != 3 {
			t.Errorf("report = %+v", rep)
		}
	})
}
