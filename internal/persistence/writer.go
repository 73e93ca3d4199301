package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// BlockLogWriter writes block rows to Postgres using multi-row INSERTs.
// Every insert is idempotent so a retried batch never duplicates rows.
type BlockLogWriter struct {
	db *sql.DB
}

func NewBlockLogWriter(db *sql.DB) *BlockLogWriter {
	return &BlockLogWriter{db: db}
}

// maxBindParams is the Postgres limit on parameters in one statement.
const maxBindParams = 65535

// insertRows builds "prefix VALUES (...), (...) suffix" for n rows of width columns,
// split into as many statements as the bind parameter limit requires.
func insertRows(ctx context.Context, ex execer, prefix, suffix string, n, width int, row func(i int) []any) error {
	per := maxBindParams / width
	for start := 0; start < n; start += per {
		end := start + per
		if end > n {
			end = n
		}
		if err := insertChunk(ctx, ex, prefix, suffix, start, end, width, row); err != nil {
			return fmt.Errorf("rows %d-%d: %w", start, end-1, err)
		}
	}
	return nil
}

func insertChunk(ctx context.Context, ex execer, prefix, suffix string, start, end, width int, row func(i int) []any) error {
	values := make([]string, 0, end-start)
	args := make([]any, 0, (end-start)*width)
	var ph strings.Builder
	for i := start; i < end; i++ {
		ph.Reset()
		ph.WriteByte('(')
		for c := 0; c < width; c++ {
			if c > 0 {
				ph.WriteString(", ")
			}
			fmt.Fprintf(&ph, "$%d", (i-start)*width+c+1)
		}
		ph.WriteByte(')')
		values = append(values, ph.String())
		args = append(args, row(i)...)
	}
	query := prefix + " VALUES " + strings.Join(values, ", ") + " " + suffix
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func (w *BlockLogWriter) WriteBlocks(ctx context.Context, ex execer, blocks []BlockRow) error {
	return insertRows(ctx, ex,
		`INSERT INTO block_log.blocks (height, block_time, payload, state_hash, prev_hash)`,
		`ON CONFLICT (height) DO NOTHING`,
		len(blocks), 5, func(i int) []any {
			b := blocks[i]
			return []any{int64(b.Height), b.BlockTime, b.Payload, b.StateHash, b.PrevHash}
		})
}

// WriteCheckpoints records the hash chain head of each block.
func (w *BlockLogWriter) WriteCheckpoints(ctx context.Context, ex execer, blocks []BlockRow) error {
	return insertRows(ctx, ex,
		`INSERT INTO block_log.checkpoints (height, state_hash)`,
		`ON CONFLICT (height) DO NOTHING`,
		len(blocks), 2, func(i int) []any {
			return []any{int64(blocks[i].Height), blocks[i].StateHash}
		})
}

func (w *BlockLogWriter) WriteTxs(ctx context.Context, ex execer, txs []TxRow) error {
	return insertRows(ctx, ex,
		`INSERT INTO block_log.transactions (height, position, tx_type, idempotency_key, applied, error)`,
		`ON CONFLICT (height, position) DO NOTHING`,
		len(txs), 6, func(i int) []any {
			t := txs[i]
			return []any{int64(t.Height), t.Position, t.TxType, t.IdempotencyKey, t.Applied, t.Error}
		})
}

func (w *BlockLogWriter) WriteTrades(ctx context.Context, ex execer, trades []TradeRow) error {
	return insertRows(ctx, ex,
		`INSERT INTO block_log.market_transactions
			(id, height, position, quote_id, base_id, bid_owner, ask_owner, bid_type, ask_type,
			 bid_price, ask_price, bid_paid, bid_received, ask_paid, ask_received,
			 fees_asset, fees_collected, returned_collateral, short_collateral)`,
		`ON CONFLICT (id) DO NOTHING`,
		len(trades), 19, func(i int) []any {
			t := trades[i]
			return []any{
				t.ID, int64(t.Height), t.Position, int64(t.QuoteID), int64(t.BaseID),
				t.BidOwner, t.AskOwner, t.BidType, t.AskType,
				t.BidPrice, t.AskPrice, t.BidPaid, t.BidReceived, t.AskPaid, t.AskReceived,
				int64(t.FeesAsset), t.FeesCollected, t.ReturnedCollateral, t.ShortCollateral,
			}
		})
}

func (w *BlockLogWriter) WriteWithdrawals(ctx context.Context, ex execer, ws []WithdrawalRow) error {
	return insertRows(ctx, ex,
		`INSERT INTO block_log.withdrawals (height, idempotency_key, balance_id, asset_id, amount, yield)`,
		`ON CONFLICT (height, idempotency_key) DO NOTHING`,
		len(ws), 6, func(i int) []any {
			r := ws[i]
			return []any{int64(r.Height), r.IdempotencyKey, r.BalanceID, int64(r.AssetID), r.Amount, r.Yield}
		})
}

// UpsertHistory replaces history buckets. Rows must be given in height order;
// a bucket touched by several blocks of the batch keeps its latest row.
func (w *BlockLogWriter) UpsertHistory(ctx context.Context, ex execer, rows []HistoryRow) error {
	rows = latestHistory(rows)
	return insertRows(ctx, ex,
		`INSERT INTO block_log.market_history
			(quote_id, base_id, granularity, bucket_time, highest_bid, lowest_ask,
			 opening_price, closing_price, volume, updated_height)`,
		`ON CONFLICT (quote_id, base_id, granularity, bucket_time) DO UPDATE SET
			highest_bid = EXCLUDED.highest_bid,
			lowest_ask = EXCLUDED.lowest_ask,
			opening_price = EXCLUDED.opening_price,
			closing_price = EXCLUDED.closing_price,
			volume = EXCLUDED.volume,
			updated_height = EXCLUDED.updated_height
		WHERE block_log.market_history.updated_height <= EXCLUDED.updated_height`,
		len(rows), 10, func(i int) []any {
			h := rows[i]
			return []any{
				int64(h.QuoteID), int64(h.BaseID), h.Granularity, h.BucketTime,
				h.HighestBid, h.LowestAsk, h.OpeningPrice, h.ClosingPrice,
				h.Volume, int64(h.Height),
			}
		})
}

type historyBucket struct {
	quote, base uint32
	granularity string
	bucket      int64
}

// latestHistory keeps the last row per bucket, preserving first-seen order.
func latestHistory(rows []HistoryRow) []HistoryRow {
	idx := make(map[historyBucket]int, len(rows))
	out := make([]HistoryRow, 0, len(rows))
	for _, r := range rows {
		k := historyBucket{r.QuoteID, r.BaseID, r.Granularity, r.BucketTime}
		if i, ok := idx[k]; ok {
			out[i] = r
			continue
		}
		idx[k] = len(out)
		out = append(out, r)
	}
	return out
}
