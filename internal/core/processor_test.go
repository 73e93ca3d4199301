package core_test

import (
	"errors"
	"testing"

	"MarketLedger/internal/core"
	"MarketLedger/internal/event"
	"MarketLedger/internal/fork"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

const (
	coreAsset ledger.AssetID = 0
	usdAsset  ledger.AssetID = 7

	genesisTime int64 = 1_700_000_000
)

var (
	alice = ledger.Address{0xa1}
	bob   = ledger.Address{0xb0}
	usd   = ledger.PairKey{QuoteID: usdAsset, BaseID: coreAsset}
)

// --- Test helpers ---

type harness struct {
	t       *testing.T
	store   *store.PebbleState
	proc    *core.BlockProcessor
	persist chan *core.BlockOutput
	metrics *observability.Metrics
}

func newHarness(t *testing.T, dir string, opts core.Options) *harness {
	t.Helper()
	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		t:       t,
		store:   st,
		persist: make(chan *core.BlockOutput, 16),
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	h.proc, err = core.NewBlockProcessor(st, opts, h.persist, nil, nil, h.metrics, zerolog.Nop())
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return h
}

func (h *harness) mustProcess(b *event.Block) *core.BlockOutput {
	h.t.Helper()
	out, err := h.proc.ProcessBlock(b)
	if err != nil {
		h.t.Fatalf("block %d: %v", b.Height, err)
	}
	return out
}

func (h *harness) balance(owner ledger.Address, asset ledger.AssetID) ledger.BalanceRecord {
	h.t.Helper()
	rec, _, err := h.store.Balances().Get(ledger.NewBalanceRecord(owner, asset, 0).ID())
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return rec
}

func mustTxID(n byte) uuid.UUID {
	return uuid.UUID{15: n}
}

func price(s string) ledger.Price {
	return ledger.MustParsePrice(s, usdAsset, coreAsset)
}

func genesis(marketIssued bool) *event.Block {
	return &event.Block{
		Height:    1,
		Timestamp: genesisTime,
		Assets: []event.AssetCreate{
			{TxID: mustTxID(1), Record: ledger.AssetRecord{ID: coreAsset, Symbol: "CORE", Precision: 100000}},
			{TxID: mustTxID(2), Record: ledger.AssetRecord{
				ID: usdAsset, Symbol: "USD", Precision: 10000, MarketIssued: marketIssued,
				CurrentShareSupply: 1_000_000, CollectedFees: 10_000,
			}},
		},
	}
}

func crossingBlock(height uint64) *event.Block {
	return &event.Block{
		Height:    height,
		Timestamp: genesisTime + int64(height)*10,
		Orders: []event.OrderPlacement{
			{OrderID: mustTxID(10), Kind: ledger.OrderKindBid, Owner: alice, Price: price("2"), Balance: 200},
			{OrderID: mustTxID(11), Kind: ledger.OrderKindAsk, Owner: bob, Price: price("1.5"), Balance: 100},
		},
		Pairs: []ledger.PairKey{usd},
	}
}

// ============================================================================
// Test: matching through a block
// ============================================================================

func TestProcessBlock_MatchesPairs(t *testing.T) {
	h := newHarness(t, t.TempDir(), core.Options{Forks: fork.Default()})
	h.mustProcess(genesis(false))
	<-h.persist

	out := h.mustProcess(crossingBlock(2))

	if len(out.Pairs) != 1 || !out.Pairs[0].Executed {
		t.Fatalf("pairs: %+v", out.Pairs)
	}
	trades := out.Trades()
	if len(trades) != 1 {
		t.Fatalf("trades: got %d, want 1", len(trades))
	}
	tr := trades[0]
	if tr.ID == uuid.Nil {
		t.Error("trade has no id")
	}
	if tr.BidReceived.Amount != 100 || tr.AskReceived.Amount != 150 || tr.FeesCollected.Amount != 50 {
		t.Errorf("trade: %+v", tr)
	}

	if got := h.balance(alice, coreAsset).Balance; got != 100 {
		t.Errorf("bidder base balance: got %d, want 100", got)
	}
	if got := h.balance(bob, usdAsset).Balance; got != 150 {
		t.Errorf("asker quote balance: got %d, want 150", got)
	}
	if len(out.Statuses) != 1 || len(out.History) != 3 {
		t.Errorf("statuses %d, history %d", len(out.Statuses), len(out.History))
	}

	if h.store.HeadBlockNum() != 2 || h.proc.Height() != 2 {
		t.Errorf("head: store %d, processor %d", h.store.HeadBlockNum(), h.proc.Height())
	}
	stored, err := h.store.StateHash()
	if err != nil || string(stored) != string(out.Envelope.StateHash[:]) {
		t.Errorf("stored hash %x, envelope %x (%v)", stored, out.Envelope.StateHash, err)
	}

	select {
	case got := <-h.persist:
		if got != out {
			t.Error("persist channel carried a different output")
		}
	default:
		t.Error("no output on the persist channel")
	}
	if got := testutil.ToFloat64(h.metrics.Trades.WithLabelValues("bid", "ask")); got != 1 {
		t.Errorf("trade metric: got %v", got)
	}
}

func TestProcessBlock_SameIdsOnReplay(t *testing.T) {
	a := newHarness(t, t.TempDir(), core.Options{Forks: fork.Default()})
	b := newHarness(t, t.TempDir(), core.Options{Forks: fork.Default()})

	for _, h := range []*harness{a, b} {
		h.mustProcess(genesis(false))
	}
	outA := a.mustProcess(crossingBlock(2))
	outB := b.mustProcess(crossingBlock(2))

	if outA.Envelope.StateHash != outB.Envelope.StateHash {
		t.Errorf("state hashes diverge: %x vs %x", outA.Envelope.StateHash, outB.Envelope.StateHash)
	}
	if outA.Trades()[0].ID != outB.Trades()[0].ID {
		t.Error("trade ids diverge")
	}
}

// ============================================================================
// Test: height sequencing and dedup
// ============================================================================

func TestProcessBlock_HeightSequencing(t *testing.T) {
	h := newHarness(t, t.TempDir(), core.Options{Forks: fork.Default()})
	h.mustProcess(genesis(false))

	if _, err := h.proc.ProcessBlock(genesis(false)); !errors.Is(err, core.ErrDuplicateBlock) {
		t.Errorf("replayed block: got %v", err)
	}
	if _, err := h.proc.ProcessBlock(&event.Block{Height: 3, Timestamp: genesisTime + 30}); !errors.Is(err, core.ErrHeightGap) {
		t.Errorf("skipped height: got %v", err)
	}
	if _, err := h.proc.ProcessBlock(&event.Block{Height: 2, Timestamp: genesisTime - 1}); !errors.Is(err, core.ErrTimestampRegression) {
		t.Errorf("older timestamp: got %v", err)
	}
	h.mustProcess(&event.Block{Height: 2, Timestamp: genesisTime + 20})

	if got := testutil.ToFloat64(h.metrics.HeightGaps); got != 1 {
		t.Errorf("gap metric: got %v", got)
	}
}

func TestProcessBlock_DuplicateTransactions(t *testing.T) {
	h := newHarness(t, t.TempDir(), core.Options{Forks: fork.Default()})
	h.mustProcess(genesis(false))

	dep := event.Deposit{DepositID: mustTxID(20), Owner: alice, AssetID: coreAsset, Amount: 500}
	out := h.mustProcess(&event.Block{Height: 2, Timestamp: genesisTime + 20, Deposits: []event.Deposit{dep, dep}})
	if !out.Txs[0].Applied || out.Txs[1].Applied {
		t.Errorf("in-block duplicate: %+v", out.Txs)
	}

	out = h.mustProcess(&event.Block{Height: 3, Timestamp: genesisTime + 30, Deposits: []event.Deposit{dep}})
	if out.Txs[0].Applied {
		t.Error("deposit applied again in a later block")
	}
	if got := h.balance(alice, coreAsset).Balance; got != 500 {
		t.Errorf("balance: got %d, want 500", got)
	}
}

// ============================================================================
// Test: rejected transactions
// ============================================================================

func TestProcessBlock_RejectedTransactionsLeaveNoState(t *testing.T) {
	h := newHarness(t, t.TempDir(), core.Options{Forks: fork.Default()})
	h.mustProcess(genesis(false))

	out := h.mustProcess(&event.Block{
		Height:    2,
		Timestamp: genesisTime + 20,
		Deposits: []event.Deposit{
			{DepositID: mustTxID(30), Owner: alice, AssetID: coreAsset, Amount: 100},
			{DepositID: mustTxID(31), Owner: alice, AssetID: 99, Amount: 100},
		},
		Orders: []event.OrderPlacement{
			// shorts need a market issued quote
			{OrderID: mustTxID(32), Kind: ledger.OrderKindShort, Owner: bob, Price: price("0.05"), Balance: 100},
		},
		Withdrawals: []event.Withdrawal{
			{WithdrawalID: mustTxID(33), BalanceID: ledger.NewBalanceRecord(alice, coreAsset, 0).ID(), Amount: 101, Signers: []ledger.Address{alice}},
		},
	})

	want := []bool{true, false, false, false}
	for i, r := range out.Txs {
		if r.Applied != want[i] {
			t.Errorf("tx %d (%s): applied=%v err=%q", i, r.Type, r.Applied, r.Error)
		}
	}
	if got := h.balance(alice, coreAsset).Balance; got != 100 {
		t.Errorf("balance: got %d, want 100", got)
	}
	c := h.store.Orders(ledger.OrderKindShort).First()
	defer c.Close()
	if c.Valid() {
		t.Error("rejected short was stored")
	}
}

// ============================================================================
// Test: withdrawals with yield
// ============================================================================

func TestProcessBlock_WithdrawalPaysYield(t *testing.T) {
	h := newHarness(t, t.TempDir(), core.Options{Forks: fork.Table{}})
	g := genesis(true)
	g.Deposits = []event.Deposit{{DepositID: mustTxID(40), Owner: alice, AssetID: usdAsset, Amount: 100_000}}
	h.mustProcess(g)

	out := h.mustProcess(&event.Block{
		Height:    2,
		Timestamp: genesisTime + 2*ledger.SecondsPerYear,
		Withdrawals: []event.Withdrawal{
			{WithdrawalID: mustTxID(41), BalanceID: ledger.NewBalanceRecord(alice, usdAsset, 0).ID(), Amount: 50_000, Signers: []ledger.Address{alice}},
		},
	})

	w := out.Txs[0].Withdrawal
	if !out.Txs[0].Applied || w == nil {
		t.Fatalf("withdrawal: %+v", out.Txs[0])
	}
	if w.Yield != 505 || w.AssetID != usdAsset {
		t.Errorf("withdrawal result: %+v", w)
	}
	if got := h.balance(alice, usdAsset).Balance; got != 50_505 {
		t.Errorf("balance: got %d, want 50505", got)
	}
}

// ============================================================================
// Test: restart and output fan-out
// ============================================================================

func TestProcessBlock_ResumesHashChain(t *testing.T) {
	dir := t.TempDir()
	first, err := store.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	proc, err := core.NewBlockProcessor(first, core.Options{Forks: fork.Default()}, nil, nil, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := proc.ProcessBlock(genesis(false)); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	tip := proc.StateHash()
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err := store.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	proc, err = core.NewBlockProcessor(st, core.Options{Forks: fork.Default()}, nil, nil, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if proc.Height() != 1 || proc.StateHash() != tip {
		t.Fatalf("resumed at %d with %x, want 1 with %x", proc.Height(), proc.StateHash(), tip)
	}

	out, err := proc.ProcessBlock(crossingBlock(2))
	if err != nil {
		t.Fatalf("block 2: %v", err)
	}
	if out.Envelope.PrevHash != tip {
		t.Error("block 2 does not chain onto the stored tip")
	}
}

func TestProcessBlock_DropsProjectionWhenFull(t *testing.T) {
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	projection := make(chan *core.BlockOutput)
	proc, err := core.NewBlockProcessor(st, core.Options{Forks: fork.Default()}, nil, projection, nil, metrics, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := proc.ProcessBlock(genesis(false)); err != nil {
		t.Fatalf("block: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ProjectionDrops.WithLabelValues("market_status")); got != 1 {
		t.Errorf("projection drops: got %v, want 1", got)
	}
}

func TestProcessBlock_VerifiesConservation(t *testing.T) {
	h := newHarness(t, t.TempDir(), core.Options{Forks: fork.Default(), VerifyConservation: true})
	h.mustProcess(genesis(false))
	out := h.mustProcess(crossingBlock(2))
	if len(out.Trades()) != 1 {
		t.Fatalf("trades: %d", len(out.Trades()))
	}
}

func TestProcessBlock_ConservationBooksForgivenDebt(t *testing.T) {
	h := newHarness(t, t.TempDir(), core.Options{Forks: fork.Default(), VerifyConservation: true})
	h.mustProcess(genesis(true))
	<-h.persist

	ts := genesisTime + 20
	coverKey := ledger.MarketIndexKey{OrderPrice: price("2"), Owner: bob}
	err := h.store.Collateral().Put(coverKey, ledger.CollateralRecord{
		CollateralBalance: 100,
		PayoffBalance:     100,
		InterestRate:      ledger.PairStart(usdAsset, coreAsset),
		Expiration:        ts + ledger.MaxShortPeriodSec,
	})
	if err != nil {
		t.Fatalf("put collateral: %v", err)
	}
	if err := h.store.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// 100 CORE at 0.95 covers 95 of the 100 owed
	out := h.mustProcess(&event.Block{
		Height:     2,
		Timestamp:  ts,
		FeedPrices: []event.FeedPrice{{Pair: usd, Price: price("1")}},
		Orders: []event.OrderPlacement{
			{OrderID: mustTxID(60), Kind: ledger.OrderKindBid, Owner: alice, Price: price("0.95"), Balance: 1000},
		},
		Pairs: []ledger.PairKey{usd},
	})
	if len(out.Pairs) != 1 || out.Pairs[0].Error != "" {
		t.Fatalf("pairs: %+v", out.Pairs)
	}
	if got := out.Pairs[0].Forgiven; got != 5 {
		t.Errorf("forgiven: got %d, want 5", got)
	}
	if len(out.Trades()) != 1 {
		t.Fatalf("trades: %d", len(out.Trades()))
	}

	rec, ok, err := h.store.Assets().Get(usdAsset)
	if err != nil || !ok {
		t.Fatalf("usd asset: ok=%v err=%v", ok, err)
	}
	if rec.CollectedFees != 10_000-5 {
		t.Errorf("fees: got %d, want %d", rec.CollectedFees, 10_000-5)
	}
	if rec.CurrentShareSupply != 1_000_000-95 {
		t.Errorf("supply: got %d, want %d", rec.CurrentShareSupply, 1_000_000-95)
	}
	if _, ok, _ := h.store.Collateral().Get(coverKey); ok {
		t.Error("written off position still stored")
	}
}

func TestProcessBlock_CancelAllShorts(t *testing.T) {
	h := newHarness(t, t.TempDir(), core.Options{Forks: fork.Default()})
	g := genesis(true)
	g.Orders = []event.OrderPlacement{
		{OrderID: mustTxID(50), Kind: ledger.OrderKindShort, Owner: bob, Price: price("0.05"), Balance: 700},
	}
	h.mustProcess(g)

	out := h.mustProcess(&event.Block{Height: 2, Timestamp: genesisTime + 20, CancelAllShorts: true})
	if len(out.Cancelled) != 1 || !out.Cancelled[0].IsAutomaticCancel() {
		t.Fatalf("cancelled: %+v", out.Cancelled)
	}
	if got := h.balance(bob, coreAsset).Balance; got != 700 {
		t.Errorf("refund: got %d, want 700", got)
	}
}
