package market_test

import (
	"errors"
	"strings"
	"testing"

	"MarketLedger/internal/fork"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/market"
	"MarketLedger/internal/state"

	"github.com/rs/zerolog"
)

const (
	baseID  ledger.AssetID = 0
	quoteID ledger.AssetID = 7

	head uint64 = 400_000
	now  int64  = 1_700_000_000
)

type fataler interface {
	Helper()
	Fatalf(format string, args ...interface{})
}

type fixture struct {
	t  fataler
	st *state.MemoryState
}

func newFixture(t fataler, marketIssued bool) *fixture {
	t.Helper()
	st := state.NewMemoryState()
	st.SetHead(head, now)
	f := &fixture{t: t, st: st}
	f.must(st.Assets().Put(baseID, ledger.AssetRecord{ID: baseID, Symbol: "BASE", Precision: 100000}))
	f.must(st.Assets().Put(quoteID, ledger.AssetRecord{ID: quoteID, Symbol: "USD", Precision: 10000, MarketIssued: marketIssued}))
	return f
}

func (f *fixture) must(err error) {
	f.t.Helper()
	if err != nil {
		f.t.Fatalf("fixture: %v", err)
	}
}

func (f *fixture) price(s string) ledger.Price {
	f.t.Helper()
	p, err := ledger.ParsePrice(s, quoteID, baseID)
	if err != nil {
		f.t.Fatalf("price %q: %v", s, err)
	}
	return p
}

func owner(b byte) ledger.Address {
	return ledger.Address{b}
}

func (f *fixture) key(o byte, price string) ledger.MarketIndexKey {
	return ledger.MarketIndexKey{OrderPrice: f.price(price), Owner: owner(o)}
}

func (f *fixture) bid(o byte, price string, balance int64) ledger.MarketIndexKey {
	k := f.key(o, price)
	f.must(f.st.Orders(ledger.OrderKindBid).Put(k, ledger.OrderRecord{Balance: balance}))
	return k
}

func (f *fixture) ask(o byte, price string, balance int64) ledger.MarketIndexKey {
	k := f.key(o, price)
	f.must(f.st.Orders(ledger.OrderKindAsk).Put(k, ledger.OrderRecord{Balance: balance}))
	return k
}

func (f *fixture) short(o byte, rate string, balance int64, limit string) ledger.MarketIndexKey {
	k := f.key(o, rate)
	rec := ledger.OrderRecord{Balance: balance}
	if limit != "" {
		l := f.price(limit)
		rec.ShortPriceLimit = &l
	}
	f.must(f.st.Orders(ledger.OrderKindShort).Put(k, rec))
	return k
}

func (f *fixture) cover(o byte, callPrice string, rec ledger.CollateralRecord) ledger.MarketIndexKey {
	k := f.key(o, callPrice)
	f.must(f.st.Collateral().Put(k, rec))
	return k
}

func (f *fixture) feed(price string) {
	f.must(f.st.FeedPrices().Put(ledger.PairKey{QuoteID: quoteID, BaseID: baseID}, f.price(price)))
}

func (f *fixture) setSupply(supply int64) {
	rec := f.asset(quoteID)
	rec.CurrentShareSupply = supply
	f.must(f.st.Assets().Put(quoteID, rec))
}

func (f *fixture) setFees(fees int64) {
	rec := f.asset(quoteID)
	rec.CollectedFees = fees
	f.must(f.st.Assets().Put(quoteID, rec))
}

func (f *fixture) asset(id ledger.AssetID) ledger.AssetRecord {
	f.t.Helper()
	rec, ok, err := f.st.Assets().Get(id)
	if err != nil || !ok {
		f.t.Fatalf("asset %d: ok=%v err=%v", id, ok, err)
	}
	return rec
}

func (f *fixture) balance(o byte, asset ledger.AssetID) int64 {
	rec, _, err := f.st.Balances().Get(ledger.WithSignature(owner(o), asset).Address())
	f.must(err)
	return rec.Balance
}

func (f *fixture) order(kind ledger.OrderKind, k ledger.MarketIndexKey) (ledger.OrderRecord, bool) {
	rec, ok, err := f.st.Orders(kind).Get(k)
	f.must(err)
	return rec, ok
}

func (f *fixture) status() ledger.MarketStatus {
	rec, _, err := f.st.MarketStatuses().Get(ledger.PairKey{QuoteID: quoteID, BaseID: baseID})
	f.must(err)
	return rec
}

func (f *fixture) execute(forks fork.Table) market.Result {
	return f.executeAt(forks, now)
}

func (f *fixture) executeAt(forks fork.Table, ts int64) market.Result {
	return market.NewEngine(f.st, forks, zerolog.Nop()).Execute(quoteID, baseID, ts)
}

func mustExecute(t *testing.T, f *fixture, forks fork.Table) []ledger.MarketTransaction {
	t.Helper()
	res := f.execute(forks)
	if res.Err != nil {
		t.Fatalf("execute: %v", res.Err)
	}
	if res.Executed != (len(res.Trades) > 0) {
		t.Fatalf("executed=%v with %d trades", res.Executed, len(res.Trades))
	}
	return res.Trades
}

// ============================================================================
// Test: bid against ask
// ============================================================================

func TestExecute_SimpleCross(t *testing.T) {
	f := newFixture(t, false)
	bidKey := f.bid(1, "2", 200)
	askKey := f.ask(2, "1.5", 100)

	trades := mustExecute(t, f, fork.Table{})
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	tr := trades[0]
	checks := []struct {
		name      string
		got, want ledger.Asset
	}{
		{"ask paid", tr.AskPaid, ledger.NewAsset(100, baseID)},
		{"ask received", tr.AskReceived, ledger.NewAsset(150, quoteID)},
		{"bid paid", tr.BidPaid, ledger.NewAsset(200, quoteID)},
		{"bid received", tr.BidReceived, ledger.NewAsset(100, baseID)},
		{"fees", tr.FeesCollected, ledger.NewAsset(50, quoteID)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s: got %s, want %s", c.name, c.got, c.want)
		}
	}

	if _, ok := f.order(ledger.OrderKindBid, bidKey); ok {
		t.Error("filled bid still on the book")
	}
	if _, ok := f.order(ledger.OrderKindAsk, askKey); ok {
		t.Error("filled ask still on the book")
	}
	if got := f.balance(1, baseID); got != 100 {
		t.Errorf("bidder base balance: got %d, want 100", got)
	}
	if got := f.balance(2, quoteID); got != 150 {
		t.Errorf("asker quote balance: got %d, want 150", got)
	}
	if got := f.asset(quoteID).CollectedFees; got != 50 {
		t.Errorf("quote fees: got %d, want 50", got)
	}

	hist, ok, err := f.st.MarketHistory().Get(ledger.MarketHistoryKey{QuoteID: quoteID, BaseID: baseID, Timestamp: now})
	if err != nil || !ok {
		t.Fatalf("block history: ok=%v err=%v", ok, err)
	}
	if hist.Volume != 100 || hist.OpeningPrice != f.price("2") || hist.HighestBid != f.price("2") {
		t.Errorf("block history: %+v", hist)
	}
}

func TestExecute_NoCrossLeavesBooks(t *testing.T) {
	f := newFixture(t, false)
	bidKey := f.bid(1, "1", 100)
	askKey := f.ask(2, "1.5", 100)

	if trades := mustExecute(t, f, fork.Table{}); len(trades) != 0 {
		t.Fatalf("got %d trades, want none", len(trades))
	}
	if rec, ok := f.order(ledger.OrderKindBid, bidKey); !ok || rec.Balance != 100 {
		t.Errorf("bid: %+v ok=%v", rec, ok)
	}
	if rec, ok := f.order(ledger.OrderKindAsk, askKey); !ok || rec.Balance != 100 {
		t.Errorf("ask: %+v ok=%v", rec, ok)
	}
	c := f.st.MarketHistory().First()
	defer c.Close()
	if c.Valid() {
		t.Error("history written without volume")
	}
	if s := f.status(); s.LastError != "" {
		t.Errorf("status error: %q", s.LastError)
	}
}

func TestExecute_BestPricesFirst(t *testing.T) {
	f := newFixture(t, false)
	f.bid(1, "1.1", 110)
	f.bid(2, "1.3", 130)
	f.ask(3, "1.2", 100)
	f.ask(4, "1", 100)

	trades := mustExecute(t, f, fork.Table{})
	if len(trades) == 0 {
		t.Fatal("expected trades")
	}
	first := trades[0]
	if first.BidOwner != owner(2) || first.AskOwner != owner(4) {
		t.Errorf("first match %s/%s, want best bid against best ask", first.BidOwner, first.AskOwner)
	}
	for _, tr := range trades {
		if tr.BidPrice.Less(tr.AskPrice) {
			t.Errorf("trade below the spread: bid %s ask %s", tr.BidPrice, tr.AskPrice)
		}
	}
}

func TestExecute_IgnoresOtherPairs(t *testing.T) {
	f := newFixture(t, false)
	f.must(f.st.Assets().Put(9, ledger.AssetRecord{ID: 9, Symbol: "OTHER"}))
	other := ledger.MarketIndexKey{OrderPrice: ledger.MustParsePrice("5", 9, baseID), Owner: owner(5)}
	f.must(f.st.Orders(ledger.OrderKindBid).Put(other, ledger.OrderRecord{Balance: 500}))
	f.ask(2, "1", 100)

	if trades := mustExecute(t, f, fork.Table{}); len(trades) != 0 {
		t.Fatalf("matched across pairs: %+v", trades)
	}
}

func TestExecute_LimitingBidPaysWholeBalance(t *testing.T) {
	f := newFixture(t, false)
	bidKey := f.bid(1, "2", 201)
	f.ask(2, "2", 100)

	trades := mustExecute(t, f, fork.Table{})
	if len(trades) != 1 || trades[0].BidPaid != ledger.NewAsset(201, quoteID) {
		t.Fatalf("trades: %+v", trades)
	}
	if _, ok := f.order(ledger.OrderKindBid, bidKey); ok {
		t.Error("exhausted bid should leave the book")
	}
	if got := f.asset(quoteID).CollectedFees; got != 1 {
		t.Errorf("quote fees: got %d, want 1", got)
	}
}

// ============================================================================
// Test: margin positions
// ============================================================================

func TestExecute_MarginCallBeforeExpiration(t *testing.T) {
	f := newFixture(t, true)
	f.feed("1")
	f.setSupply(100)
	coverKey := f.cover(3, "1.5", ledger.CollateralRecord{
		CollateralBalance: 300,
		PayoffBalance:     100,
		InterestRate:      ledger.PairStart(quoteID, baseID),
		Expiration:        now + ledger.MaxShortPeriodSec,
	})
	bidKey := f.bid(1, "1.2", 120)

	trades := mustExecute(t, f, fork.Table{})
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	tr := trades[0]
	if tr.AskType != ledger.OrderKindCover {
		t.Fatalf("ask type %s", tr.AskType)
	}
	if tr.AskPaid != ledger.NewAsset(83, baseID) || tr.AskReceived != ledger.NewAsset(100, quoteID) {
		t.Errorf("ask side: paid %s received %s", tr.AskPaid, tr.AskReceived)
	}
	if tr.FeesCollected != ledger.NewAsset(10, baseID) {
		t.Errorf("fee: got %s, want 10#%d", tr.FeesCollected, baseID)
	}
	if tr.ReturnedCollateral == nil || *tr.ReturnedCollateral != ledger.NewAsset(207, baseID) {
		t.Errorf("returned collateral: %v", tr.ReturnedCollateral)
	}

	if rec, ok := f.order(ledger.OrderKindBid, bidKey); !ok || rec.Balance != 20 {
		t.Errorf("bid remainder: %+v ok=%v", rec, ok)
	}
	if _, ok, _ := f.st.Collateral().Get(coverKey); ok {
		t.Error("closed position still stored")
	}
	if got := f.balance(3, baseID); got != 207 {
		t.Errorf("returned to owner: got %d, want 207", got)
	}
	if got := f.balance(1, baseID); got != 83 {
		t.Errorf("bidder received: got %d, want 83", got)
	}
	quote := f.asset(quoteID)
	if quote.CurrentShareSupply != 0 {
		t.Errorf("quote supply: got %d, want 0", quote.CurrentShareSupply)
	}
	if got := f.asset(baseID).CollectedFees; got != 10 {
		t.Errorf("base fees: got %d, want 10", got)
	}
}

func TestExecute_BidDustGoesToFees(t *testing.T) {
	f := newFixture(t, true)
	f.feed("1")
	f.setSupply(100)
	f.cover(3, "1.5", ledger.CollateralRecord{
		CollateralBalance: 300,
		PayoffBalance:     100,
		InterestRate:      ledger.PairStart(quoteID, baseID),
		Expiration:        now + ledger.MaxShortPeriodSec,
	})
	// 1 quote left after the call cannot buy a base unit at 1.2
	bidKey := f.bid(1, "1.2", 101)

	mustExecute(t, f, fork.Table{})
	if _, ok := f.order(ledger.OrderKindBid, bidKey); ok {
		t.Error("dust bid should leave the book")
	}
	if got := f.asset(quoteID).CollectedFees; got != 1 {
		t.Errorf("quote fees: got %d, want 1", got)
	}
}

func TestExecute_ShortOpensPosition(t *testing.T) {
	f := newFixture(t, true)
	f.feed("1")
	shortKey := f.short(5, "0.05", 10000, "")
	f.ask(2, "0.9", 100)

	trades := mustExecute(t, f, fork.Table{})
	if len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	tr := trades[0]
	if tr.BidPrice != f.price("1") {
		t.Errorf("short should buy at the feed, got %s", tr.BidPrice)
	}
	if tr.AskReceived != ledger.NewAsset(90, quoteID) || tr.AskPaid != ledger.NewAsset(100, baseID) {
		t.Errorf("ask side: paid %s received %s", tr.AskPaid, tr.AskReceived)
	}
	if tr.ShortCollateral == nil || *tr.ShortCollateral != ledger.NewAsset(180, baseID) {
		t.Errorf("short collateral: %v", tr.ShortCollateral)
	}

	if rec, ok := f.order(ledger.OrderKindShort, shortKey); !ok || rec.Balance != 9820 {
		t.Errorf("short remainder: %+v ok=%v", rec, ok)
	}
	callPrice, err := ledger.Divide(ledger.NewAsset(90, quoteID), ledger.NewAsset(186, baseID))
	if err != nil {
		t.Fatal(err)
	}
	pos, ok, err := f.st.Collateral().Get(ledger.MarketIndexKey{OrderPrice: callPrice, Owner: owner(5)})
	if err != nil || !ok {
		t.Fatalf("position: ok=%v err=%v", ok, err)
	}
	if pos.CollateralBalance != 280 || pos.PayoffBalance != 90 {
		t.Errorf("position: %+v", pos)
	}
	if pos.InterestRate != f.price("0.05") || pos.Expiration != now+ledger.MaxShortPeriodSec {
		t.Errorf("position terms: %+v", pos)
	}
	if got := f.asset(quoteID).CurrentShareSupply; got != 90 {
		t.Errorf("quote supply: got %d, want 90", got)
	}
	if got := f.balance(2, quoteID); got != 90 {
		t.Errorf("asker received: got %d, want 90", got)
	}
}

func TestExecute_ShortLimitBelowAskSkipsShort(t *testing.T) {
	f := newFixture(t, true)
	f.feed("1")
	shortKey := f.short(5, "0.05", 10000, "0.8")
	f.ask(2, "0.9", 100)

	if trades := mustExecute(t, f, fork.Table{}); len(trades) != 0 {
		t.Fatalf("got %d trades, want none", len(trades))
	}
	if rec, ok := f.order(ledger.OrderKindShort, shortKey); !ok || rec.Balance != 10000 {
		t.Errorf("short: %+v ok=%v", rec, ok)
	}
}

func TestExecute_BidBelowFeedYieldsToShort(t *testing.T) {
	f := newFixture(t, true)
	f.feed("1")
	f.bid(1, "0.95", 1000)
	f.short(5, "0.05", 10000, "")
	f.ask(2, "0.9", 100)

	trades := mustExecute(t, f, fork.Table{})
	if len(trades) == 0 || trades[0].BidType != ledger.OrderKindShort {
		t.Fatalf("expected the short to take the first ask: %+v", trades)
	}
}

func TestExecute_CoverScanFork(t *testing.T) {
	setup := func(t *testing.T) *fixture {
		f := newFixture(t, true)
		f.feed("1")
		f.setSupply(150)
		// healthy, unexpired: never called
		f.cover(3, "0.9", ledger.CollateralRecord{
			CollateralBalance: 300, PayoffBalance: 100,
			InterestRate: ledger.PairStart(quoteID, baseID),
			Expiration:   now + ledger.MaxShortPeriodSec,
		})
		// expired below it
		f.cover(4, "0.8", ledger.CollateralRecord{
			CollateralBalance: 300, PayoffBalance: 50,
			InterestRate: ledger.PairStart(quoteID, baseID),
			Expiration:   now,
		})
		f.bid(1, "1", 100)
		return f
	}

	t.Run("before fork the scan stops", func(t *testing.T) {
		f := setup(t)
		trades := mustExecute(t, f, fork.Table{CoverScanHeight: head + 1})
		if len(trades) != 0 {
			t.Fatalf("got %d trades, want none", len(trades))
		}
	})

	t.Run("at fork the scan continues", func(t *testing.T) {
		f := setup(t)
		trades := mustExecute(t, f, fork.Table{CoverScanHeight: head})
		if len(trades) != 1 {
			t.Fatalf("got %d trades, want 1", len(trades))
		}
		tr := trades[0]
		if tr.AskOwner != owner(4) || tr.AskReceived != ledger.NewAsset(50, quoteID) {
			t.Errorf("trade: %+v", tr)
		}
		// expired positions pay no call fee
		if tr.FeesCollected.Amount != 0 {
			t.Errorf("fee on expired position: %s", tr.FeesCollected)
		}
		if tr.ReturnedCollateral == nil || tr.ReturnedCollateral.Amount != 250 {
			t.Errorf("returned: %v", tr.ReturnedCollateral)
		}
	})
}

func TestExecute_UnderwaterCallForgivesDebt(t *testing.T) {
	f := newFixture(t, true)
	f.feed("1")
	f.setSupply(100)
	f.setFees(100)
	coverKey := f.cover(3, "2", ledger.CollateralRecord{
		CollateralBalance: 100,
		PayoffBalance:     100,
		InterestRate:      ledger.PairStart(quoteID, baseID),
		Expiration:        now + ledger.MaxShortPeriodSec,
	})
	f.bid(1, "0.95", 1000)

	before, err := state.Tally(f.st)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	res := f.execute(fork.Table{})
	if res.Err != nil {
		t.Fatalf("execute: %v", res.Err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.AskPaid != ledger.NewAsset(100, baseID) || tr.AskReceived != ledger.NewAsset(95, quoteID) {
		t.Errorf("ask side: paid %s received %s", tr.AskPaid, tr.AskReceived)
	}
	if tr.ReturnedCollateral != nil {
		t.Errorf("nothing should be returned: %v", tr.ReturnedCollateral)
	}
	if res.Forgiven != ledger.NewAsset(5, quoteID) {
		t.Errorf("forgiven: got %s, want 5#%d", res.Forgiven, quoteID)
	}

	quote := f.asset(quoteID)
	if quote.CollectedFees != 95 {
		t.Errorf("quote fees: got %d, want 95", quote.CollectedFees)
	}
	if quote.CurrentShareSupply != 5 {
		t.Errorf("quote supply: got %d, want 5", quote.CurrentShareSupply)
	}
	if _, ok, _ := f.st.Collateral().Get(coverKey); ok {
		t.Error("written off position still stored")
	}

	after, err := state.Tally(f.st)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if err := before.CompareNet(after); err == nil {
		t.Fatal("write-off should move net holdings until it is booked")
	}
	after.Forgive(res.Forgiven)
	if err := before.CompareNet(after); err != nil {
		t.Fatalf("conservation: %v", err)
	}
}

func TestExecute_CoverNeedsMinimumAsk(t *testing.T) {
	setup := func(t *testing.T, bidPrice string) (*fixture, []ledger.MarketIndexKey) {
		f := newFixture(t, true)
		f.feed("1")
		f.setSupply(150)
		called := f.cover(3, "1.5", ledger.CollateralRecord{
			CollateralBalance: 300, PayoffBalance: 100,
			InterestRate: ledger.PairStart(quoteID, baseID),
			Expiration:   now + ledger.MaxShortPeriodSec,
		})
		expired := f.cover(4, "0.8", ledger.CollateralRecord{
			CollateralBalance: 300, PayoffBalance: 50,
			InterestRate: ledger.PairStart(quoteID, baseID),
			Expiration:   now,
		})
		f.bid(1, bidPrice, 100)
		return f, []ledger.MarketIndexKey{called, expired}
	}

	t.Run("bid below ninety percent of feed", func(t *testing.T) {
		f, covers := setup(t, "0.85")
		trades := mustExecute(t, f, fork.Table{})
		if len(trades) != 0 {
			t.Fatalf("got %d trades, want none", len(trades))
		}
		for _, k := range covers {
			rec, ok, err := f.st.Collateral().Get(k)
			if err != nil || !ok {
				t.Fatalf("cover %s: ok=%v err=%v", k.Owner, ok, err)
			}
			if rec.CollateralBalance != 300 {
				t.Errorf("cover %s collateral: got %d, want 300", k.Owner, rec.CollateralBalance)
			}
		}
		if rec, ok := f.order(ledger.OrderKindBid, f.key(1, "0.85")); !ok || rec.Balance != 100 {
			t.Errorf("bid: %+v ok=%v", rec, ok)
		}
		if got := f.asset(quoteID).CurrentShareSupply; got != 150 {
			t.Errorf("quote supply: got %d, want 150", got)
		}
	})

	t.Run("bid at the minimum", func(t *testing.T) {
		f, _ := setup(t, "0.9")
		trades := mustExecute(t, f, fork.Table{})
		if len(trades) != 1 {
			t.Fatalf("got %d trades, want 1", len(trades))
		}
		if trades[0].AskOwner != owner(3) || trades[0].AskType != ledger.OrderKindCover {
			t.Errorf("trade: %+v", trades[0])
		}
	})
}

// ============================================================================
// Test: failures
// ============================================================================

func TestExecute_InsufficientFeeds(t *testing.T) {
	f := newFixture(t, true)
	f.bid(1, "1", 100)
	f.ask(2, "1", 100)

	res := f.execute(fork.Table{})
	if res.Executed || !errors.Is(res.Err, ledger.ErrInsufficientFeeds) {
		t.Fatalf("got executed=%v err=%v", res.Executed, res.Err)
	}
	if s := f.status(); !strings.Contains(s.LastError, "insufficient feeds") {
		t.Errorf("status error: %q", s.LastError)
	}
}

func TestExecute_LastValidFeedAllowsMatching(t *testing.T) {
	f := newFixture(t, true)
	last := f.price("1")
	f.must(f.st.MarketStatuses().Put(ledger.PairKey{QuoteID: quoteID, BaseID: baseID}, ledger.MarketStatus{
		QuoteID: quoteID, BaseID: baseID, LastValidFeedPrice: &last,
	}))
	f.bid(1, "1", 100)
	f.ask(2, "1", 100)

	if trades := mustExecute(t, f, fork.Table{}); len(trades) != 1 {
		t.Fatalf("got %d trades, want 1", len(trades))
	}
	s := f.status()
	if s.CurrentFeedPrice != nil || s.LastValidFeedPrice == nil || *s.LastValidFeedPrice != last {
		t.Errorf("status: %+v", s)
	}
}

func TestExecute_InvariantDiscardsPair(t *testing.T) {
	f := newFixture(t, false)
	f.feed("1")
	shortKey := f.short(5, "0.05", 100, "")
	askKey := f.ask(2, "0.9", 100)
	// fills part of the ask before the short is reached
	f.bid(1, "2", 20)

	res := f.execute(fork.Table{})
	if res.Executed || !errors.Is(res.Err, ledger.ErrInvariant) {
		t.Fatalf("got executed=%v err=%v", res.Executed, res.Err)
	}
	if rec, ok := f.order(ledger.OrderKindAsk, askKey); !ok || rec.Balance != 100 {
		t.Errorf("ask changed by a discarded execution: %+v ok=%v", rec, ok)
	}
	if got := f.balance(1, baseID); got != 0 {
		t.Errorf("bidder credited by a discarded execution: %d", got)
	}
	if rec, ok := f.order(ledger.OrderKindShort, shortKey); !ok || rec.Balance != 100 {
		t.Errorf("short: %+v ok=%v", rec, ok)
	}
	s := f.status()
	if s.LastError == "" || s.CurrentFeedPrice == nil {
		t.Errorf("status: %+v", s)
	}
}

func TestExecute_UnknownAsset(t *testing.T) {
	f := newFixture(t, false)
	res := market.NewEngine(f.st, fork.Table{}, zerolog.Nop()).Execute(8, baseID, now)
	if !errors.Is(res.Err, ledger.ErrUnknownAsset) {
		t.Fatalf("got %v", res.Err)
	}
}

// ============================================================================
// Test: cancel all shorts
// ============================================================================

func TestCancelAllShorts(t *testing.T) {
	f := newFixture(t, true)
	a := f.short(5, "0.05", 700, "")
	b := f.short(6, "0.1", 300, "1.2")

	trades, err := market.NewEngine(f.st, fork.Table{}, zerolog.Nop()).CancelAllShorts()
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("got %d cancels, want 2", len(trades))
	}
	for _, tr := range trades {
		if !tr.IsAutomaticCancel() {
			t.Errorf("not an automatic cancel: %+v", tr)
		}
	}
	for _, k := range []ledger.MarketIndexKey{a, b} {
		if _, ok := f.order(ledger.OrderKindShort, k); ok {
			t.Errorf("short %s still on the book", k.Owner)
		}
	}
	if f.balance(5, baseID) != 700 || f.balance(6, baseID) != 300 {
		t.Errorf("refunds: %d, %d", f.balance(5, baseID), f.balance(6, baseID))
	}
}
