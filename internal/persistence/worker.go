package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"MarketLedger/internal/core"
	"MarketLedger/internal/observability"
)

// PersistenceWorker drains the persist channel and batch-writes blocks to Postgres.
// The core sends on this channel with blocking sends, so when the worker falls
// behind the core stalls and no block is lost.
type PersistenceWorker struct {
	writer       *BlockLogWriter
	db           *sql.DB
	inputChan    <-chan *core.BlockOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	log          zerolog.Logger

	// batch is flushed as a unit; applied tracks ApplyToPersist latency
	batch   []BlockRows
	applied []time.Time
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan *core.BlockOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		writer:       NewBlockLogWriter(db),
		db:           db,
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		log:          log,
		batch:        make([]BlockRows, 0, batchSize),
	}
}

// Run batches incoming blocks and flushes when the batch is full or the flush
// timeout expires. Blocks until ctx is cancelled or the input channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// flush what we hold with a fresh context so shutdown loses nothing
			pw.flushNow(context.Background(), "final")
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				pw.flushNow(context.Background(), "final")
				return nil
			}
			pw.batch = append(pw.batch, RowsFromOutput(out))
			pw.applied = append(pw.applied, out.AppliedAt)

			if len(pw.batch) >= pw.batchSize {
				pw.flushNow(ctx, "size")
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			pw.flushNow(ctx, "timeout")
			timer.Reset(pw.flushTimeout)
		}
	}
}

func (pw *PersistenceWorker) flushNow(ctx context.Context, reason string) {
	if len(pw.batch) == 0 {
		return
	}
	if err := pw.flushWithRetry(ctx, pw.batch); err != nil {
		pw.log.Error().Err(err).Str("reason", reason).Int("blocks", len(pw.batch)).Msg("batch flush failed")
	} else if pw.metrics != nil {
		now := time.Now()
		for _, t := range pw.applied {
			if !t.IsZero() {
				pw.metrics.ApplyToPersist.Observe(now.Sub(t).Seconds())
			}
		}
	}
	pw.batch = pw.batch[:0]
	pw.applied = pw.applied[:0]
}

// flushWithRetry retries with exponential backoff until the write succeeds or
// ctx is cancelled; on cancellation one last attempt runs without a deadline.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, batch []BlockRows) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("blocks", len(batch)).
				Msg("persistence retry")
			if pw.metrics != nil {
				pw.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := pw.Flush(context.Background(), batch); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.Flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				pw.log.Info().Int("retries", attempt).Msg("persistence flush succeeded")
			}
			return nil
		}
		pw.log.Debug().Err(err).Msg("persistence flush failed")
	}
}

// Flush writes a batch of blocks in a single transaction.
func (pw *PersistenceWorker) Flush(ctx context.Context, batch []BlockRows) error {
	if len(batch) == 0 {
		return nil
	}
	start := time.Now()

	var (
		blocks      = make([]BlockRow, 0, len(batch))
		txs         []TxRow
		trades      []TradeRow
		withdrawals []WithdrawalRow
		history     []HistoryRow
	)
	for _, b := range batch {
		blocks = append(blocks, b.Block)
		txs = append(txs, b.Txs...)
		trades = append(trades, b.Trades...)
		withdrawals = append(withdrawals, b.Withdrawals...)
		history = append(history, b.History...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	steps := []struct {
		op  string
		run func() error
	}{
		{"write_blocks", func() error { return pw.writer.WriteBlocks(ctx, tx, blocks) }},
		{"write_txs", func() error { return pw.writer.WriteTxs(ctx, tx, txs) }},
		{"write_trades", func() error { return pw.writer.WriteTrades(ctx, tx, trades) }},
		{"write_withdrawals", func() error { return pw.writer.WriteWithdrawals(ctx, tx, withdrawals) }},
		{"upsert_history", func() error { return pw.writer.UpsertHistory(ctx, tx, history) }},
		{"write_checkpoints", func() error { return pw.writer.WriteCheckpoints(ctx, tx, blocks) }},
	}
	for _, s := range steps {
		if err := s.run(); err != nil {
			pw.countError(s.op)
			return fmt.Errorf("%s: %w", s.op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(blocks)))
		pw.metrics.PersistBlocksWritten.Add(float64(len(blocks)))
		pw.metrics.PersistTradesWritten.Add(float64(len(trades)))
		pw.metrics.PersistLastHeight.Set(float64(blocks[len(blocks)-1].Height))
	}
	return nil
}

func (pw *PersistenceWorker) countError(op string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(op).Inc()
	}
}
