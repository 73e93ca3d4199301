// Package core applies blocks to the ledger one at a time. It owns the durable
// store, the hash chain and transaction dedup, and hands every applied block to the
// shell through its output channels.
package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"MarketLedger/internal/event"
	"MarketLedger/internal/fork"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/market"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/state"
	"MarketLedger/internal/withdraw"

	"github.com/rs/zerolog"
)

// Store is the durable ledger view blocks commit into.
type Store interface {
	state.ChainState
	SetStateHash(hash []byte) error
	StateHash() ([]byte, error)
	Flush() error
}

type Options struct {
	Forks fork.Table
	// VerifyConservation tallies every asset around the market phase of each block.
	VerifyConservation  bool
	IdempotencyCapacity int
}

// BlockProcessor is the single-threaded block pipeline.
type BlockProcessor struct {
	store       Store
	forks       fork.Table
	verify      bool
	hasher      *StateHasher
	heights     *HeightValidator
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	log         zerolog.Logger

	persistChan    chan<- *BlockOutput
	projectionChan chan<- *BlockOutput
}

// NewBlockProcessor resumes from the store's head and hash. Nil channels are skipped.
func NewBlockProcessor(
	store Store,
	opts Options,
	persistChan, projectionChan chan<- *BlockOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*BlockProcessor, error) {
	if err := opts.Forks.Validate(); err != nil {
		return nil, err
	}
	head, err := store.StateHash()
	if err != nil {
		return nil, fmt.Errorf("read state hash: %w", err)
	}
	hasher, err := RestoreStateHasher(head)
	if err != nil {
		return nil, err
	}
	capacity := opts.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	return &BlockProcessor{
		store:          store,
		forks:          opts.Forks,
		verify:         opts.VerifyConservation,
		hasher:         hasher,
		heights:        NewHeightValidator(store.HeadBlockNum()),
		idempotency:    NewIdempotencyChecker(capacity, dbChecker, metrics),
		metrics:        metrics,
		log:            log,
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}, nil
}

func (p *BlockProcessor) Height() uint64 { return p.heights.Head() }

func (p *BlockProcessor) StateHash() [32]byte { return p.hasher.GetPrevHash() }

// WarmLRU preloads recently applied transaction keys.
func (p *BlockProcessor) WarmLRU(keys []string) {
	p.idempotency.Warm(keys)
}

// ProcessBlock applies b on top of the store. Blocks at or below the head return
// ErrDuplicateBlock; a skipped height returns ErrHeightGap. Rejected transactions and
// failed pairs are reported in the output and do not fail the block.
func (p *BlockProcessor) ProcessBlock(b *event.Block) (*BlockOutput, error) {
	start := time.Now()

	if err := p.heights.Validate(b.Height); err != nil {
		if errors.Is(err, ErrDuplicateBlock) {
			p.countBlock("duplicate")
		} else {
			p.countBlock("rejected")
			if p.metrics != nil {
				p.metrics.HeightGaps.Inc()
			}
		}
		return nil, err
	}
	if b.Timestamp < p.store.Now() {
		p.countBlock("rejected")
		return nil, fmt.Errorf("%w: block %d at %d, head at %d", ErrTimestampRegression, b.Height, b.Timestamp, p.store.Now())
	}

	blk := state.NewPendingState(p.store)
	blk.SetHead(b.Height, b.Timestamp)
	out := &BlockOutput{Block: b}

	seen := make(map[string]struct{})
	apply := func(tx event.Tx) {
		out.Txs = append(out.Txs, p.applyTx(blk, tx, seen))
	}
	for i := range b.Assets {
		apply(&b.Assets[i])
	}
	for i := range b.Deposits {
		apply(&b.Deposits[i])
	}
	for i := range b.Orders {
		apply(&b.Orders[i])
	}
	for _, f := range b.FeedPrices {
		if err := applyFeed(blk, f); err != nil {
			p.log.Warn().Err(err).Uint64("height", b.Height).Msg("feed price skipped")
		}
	}
	for i := range b.Withdrawals {
		apply(&b.Withdrawals[i])
	}

	var before *ledger.BalanceTracker
	if p.verify {
		t, err := state.Tally(blk)
		if err != nil {
			return nil, fmt.Errorf("tally block %d: %w", b.Height, err)
		}
		before = t
	}

	engine := market.NewEngine(blk, p.forks, p.log)
	ids := ledger.NewIDGenerator(b.Height)
	var forgiven []ledger.Asset
	if b.CancelAllShorts {
		cancelled, err := engine.CancelAllShorts()
		if err != nil {
			p.log.Error().Err(err).Uint64("height", b.Height).Msg("cancel all shorts discarded")
		}
		ids.Assign(ledger.PairKey{}, cancelled)
		out.Cancelled = cancelled
	}

	for _, pair := range sortedPairs(b.Pairs) {
		res := engine.Execute(pair.QuoteID, pair.BaseID, b.Timestamp)
		ids.Assign(pair, res.Trades)
		pr := PairResult{Pair: pair, Executed: res.Executed, Trades: res.Trades, Forgiven: res.Forgiven.Amount}
		if res.Forgiven.Amount > 0 {
			forgiven = append(forgiven, res.Forgiven)
			p.log.Warn().
				Uint64("height", b.Height).
				Uint32("quote", uint32(pair.QuoteID)).
				Int64("amount", res.Forgiven.Amount).
				Msg("cover debt written off against fees")
		}
		if res.Err != nil {
			pr.Error = res.Err.Error()
			pr.Class = errorClass(res.Err)
		}
		out.Pairs = append(out.Pairs, pr)
		p.countPair(pr)

		if err := p.collectMarket(blk, pair, b.Timestamp, out); err != nil {
			return nil, fmt.Errorf("read market %d/%d: %w", pair.QuoteID, pair.BaseID, err)
		}
	}

	if p.verify {
		after, err := state.Tally(blk)
		if err != nil {
			return nil, fmt.Errorf("tally block %d: %w", b.Height, err)
		}
		for _, a := range forgiven {
			after.Forgive(a)
		}
		if err := before.CompareNet(after); err != nil {
			panic(fmt.Sprintf("FATAL: block %d does not conserve value: %v", b.Height, err))
		}
	}

	if err := blk.Commit(); err != nil {
		panic(fmt.Sprintf("FATAL: commit block %d into store: %v", b.Height, err))
	}

	hashStart := time.Now()
	digest, err := blockDigest(out)
	if err != nil {
		panic(fmt.Sprintf("FATAL: digest block %d: %v", b.Height, err))
	}
	prev := p.hasher.GetPrevHash()
	hash := p.hasher.ComputeHash(b.Height, digest)
	if p.metrics != nil {
		p.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	if err := p.store.SetStateHash(hash[:]); err != nil {
		panic(fmt.Sprintf("FATAL: store state hash at %d: %v", b.Height, err))
	}
	flushStart := time.Now()
	if err := p.store.Flush(); err != nil {
		panic(fmt.Sprintf("FATAL: flush block %d: %v", b.Height, err))
	}
	if p.metrics != nil {
		p.metrics.StoreFlushDur.Observe(time.Since(flushStart).Seconds())
	}
	p.heights.Advance(b.Height)

	for _, r := range out.Txs {
		if r.Applied {
			p.idempotency.MarkProcessed(r.Type.String(), r.Key)
		}
	}

	payload, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode block %d: %w", b.Height, err)
	}
	out.Envelope = event.BlockEnvelope{
		Height:    b.Height,
		Timestamp: b.Timestamp,
		Payload:   payload,
		StateHash: hash,
		PrevHash:  prev,
	}

	if p.metrics != nil {
		p.countBlock("applied")
		p.metrics.BlockDuration.Observe(time.Since(start).Seconds())
		p.metrics.BlockHeight.Set(float64(b.Height))
	}
	p.log.Debug().
		Uint64("height", b.Height).
		Int("txs", len(out.Txs)).
		Int("trades", len(out.Trades())).
		Hex("state_hash", hash[:]).
		Msg("block applied")

	out.AppliedAt = time.Now()
	p.emit(out)
	return out, nil
}

func (p *BlockProcessor) applyTx(blk state.ChainState, tx event.Tx, seen map[string]struct{}) TxResult {
	res := TxResult{Key: tx.IdempotencyKey(), Type: tx.TxType()}
	txType := res.Type.String()

	if _, dup := seen[res.Key]; dup || p.idempotency.IsDuplicate(txType, res.Key) {
		res.Error = "duplicate transaction"
		p.countTx(txType, "duplicate")
		return res
	}

	txState := state.NewPendingState(blk)
	var err error
	switch t := tx.(type) {
	case *event.AssetCreate:
		err = applyAssetCreate(txState, t)
	case *event.Deposit:
		err = applyDeposit(txState, t)
	case *event.OrderPlacement:
		err = applyOrder(txState, t)
	case *event.Withdrawal:
		res.Withdrawal, err = p.applyWithdrawal(txState, t)
	default:
		err = fmt.Errorf("unsupported transaction type %s", txType)
	}
	if err == nil {
		err = txState.Commit()
	}
	if err != nil {
		txState.Discard()
		res.Withdrawal = nil
		res.Error = err.Error()
		p.countTx(txType, "rejected")
		p.log.Info().Err(err).Str("tx_type", txType).Str("key", res.Key).Msg("transaction rejected")
		return res
	}

	seen[res.Key] = struct{}{}
	res.Applied = true
	p.countTx(txType, "applied")
	return res
}

func (p *BlockProcessor) applyWithdrawal(s state.ChainState, tx *event.Withdrawal) (*WithdrawalResult, error) {
	ev := withdraw.NewEvalState(s, p.forks, tx.Signers...)
	if err := withdraw.Evaluate(withdraw.Request{BalanceID: tx.BalanceID, Amount: tx.Amount}, ev); err != nil {
		return nil, err
	}
	res := &WithdrawalResult{BalanceID: tx.BalanceID, Amount: tx.Amount}
	for id := range ev.Balance {
		res.AssetID = id
	}
	for id, y := range ev.Yield {
		res.Yield += y
		if p.metrics != nil {
			p.metrics.YieldPaid.WithLabelValues(strconv.FormatUint(uint64(id), 10)).Add(float64(y))
		}
	}
	if len(ev.Votes) > 0 {
		res.Votes = ev.Votes
	}
	return res, nil
}

// collectMarket copies the pair's status and the history buckets of ts into out.
func (p *BlockProcessor) collectMarket(s state.ChainState, pair ledger.PairKey, ts int64, out *BlockOutput) error {
	status, ok, err := s.MarketStatuses().Get(pair)
	if err != nil {
		return err
	}
	if ok {
		out.Statuses = append(out.Statuses, status)
	}
	for _, g := range []ledger.Granularity{ledger.GranularityBlock, ledger.GranularityHour, ledger.GranularityDay} {
		key := ledger.MarketHistoryKey{QuoteID: pair.QuoteID, BaseID: pair.BaseID, Granularity: g, Timestamp: g.Truncate(ts)}
		rec, ok, err := s.MarketHistory().Get(key)
		if err != nil {
			return err
		}
		if ok {
			out.History = append(out.History, HistoryEntry{Key: key, Record: rec})
		}
	}
	return nil
}

// emit blocks on the persist channel and drops projection updates when that
// channel is full.
func (p *BlockProcessor) emit(out *BlockOutput) {
	if p.persistChan != nil {
		select {
		case p.persistChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.PersistBackpressure.Inc()
			}
			p.persistChan <- out
		}
	}
	if p.projectionChan != nil {
		select {
		case p.projectionChan <- out:
		default:
			if p.metrics != nil {
				p.metrics.ProjectionDrops.WithLabelValues("market_status").Inc()
			}
		}
	}
}

func (p *BlockProcessor) countBlock(result string) {
	if p.metrics != nil {
		p.metrics.BlocksProcessed.WithLabelValues(result).Inc()
	}
}

func (p *BlockProcessor) countTx(txType, result string) {
	if p.metrics != nil {
		p.metrics.TxApplied.WithLabelValues(txType, result).Inc()
	}
}

func (p *BlockProcessor) countPair(pr PairResult) {
	if p.metrics == nil {
		return
	}
	switch {
	case pr.Error != "":
		p.metrics.PairsExecuted.WithLabelValues("failed").Inc()
		p.metrics.MatchErrors.WithLabelValues(pr.Class).Inc()
	case pr.Executed:
		p.metrics.PairsExecuted.WithLabelValues("traded").Inc()
	default:
		p.metrics.PairsExecuted.WithLabelValues("idle").Inc()
	}
	for _, t := range pr.Trades {
		p.metrics.Trades.WithLabelValues(t.BidType.String(), t.AskType.String()).Inc()
	}
}

func errorClass(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvariant), errors.Is(err, ledger.ErrAssetMismatch):
		return "invariant"
	default:
		return "operational"
	}
}

// sortedPairs returns the distinct pairs in ascending (quote, base) order.
func sortedPairs(pairs []ledger.PairKey) []ledger.PairKey {
	out := append([]ledger.PairKey(nil), pairs...)
	sort.Slice(out, func(i, j int) bool { return out[i].Cmp(out[j]) < 0 })
	n := 0
	for i, pk := range out {
		if i > 0 && pk == out[n-1] {
			continue
		}
		out[n] = pk
		n++
	}
	return out[:n]
}
