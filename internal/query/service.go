// Package query serves read-only views over the block log and projection tables.
package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"MarketLedger/internal/ledger"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// MaxPageSize bounds list queries.
const MaxPageSize = 1000

// QueryService provides read-only access to Postgres. Every response carries the
// height it reflects so clients can judge freshness.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetMarketStatus returns the projected status of a pair.
func (qs *QueryService) GetMarketStatus(ctx context.Context, pair ledger.PairKey) (*MarketStatusResponse, error) {
	asOf, err := qs.watermark(ctx, "market_status")
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		current, lastValid decimal.NullDecimal
		height             int64
	)
	resp := &MarketStatusResponse{QuoteID: uint32(pair.QuoteID), BaseID: uint32(pair.BaseID), AsOfHeight: asOf}
	err = qs.db.QueryRowContext(ctx, `
		SELECT current_feed, last_valid_feed, last_error, height
		FROM projections.market_status
		WHERE quote_id = $1 AND base_id = $2
	`, int64(pair.QuoteID), int64(pair.BaseID)).Scan(&current, &lastValid, &resp.LastError, &height)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("market %d/%d: %w", pair.QuoteID, pair.BaseID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if current.Valid {
		resp.CurrentFeedPrice = &current.Decimal
	}
	if lastValid.Valid {
		resp.LastValidFeedPrice = &lastValid.Decimal
	}
	resp.Height = uint64(height)
	return resp, nil
}

// GetHistory returns the pair's buckets of one granularity with from <= timestamp <= to.
// A zero to means no upper bound.
func (qs *QueryService) GetHistory(
	ctx context.Context,
	pair ledger.PairKey,
	g ledger.Granularity,
	from, to int64,
	limit int,
) (*HistoryResponse, error) {
	asOf, err := qs.persistedHeight(ctx)
	if err != nil {
		return nil, err
	}
	if to == 0 {
		to = math.MaxInt64
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT bucket_time, highest_bid, lowest_ask, opening_price, closing_price, volume
		FROM block_log.market_history
		WHERE quote_id = $1 AND base_id = $2 AND granularity = $3
		  AND bucket_time >= $4 AND bucket_time <= $5
		ORDER BY bucket_time ASC
		LIMIT $6
	`, int64(pair.QuoteID), int64(pair.BaseID), g.String(), from, to, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &HistoryResponse{
		QuoteID:    uint32(pair.QuoteID),
		BaseID:     uint32(pair.BaseID),
		Points:     []HistoryPoint{},
		AsOfHeight: asOf,
	}
	for rows.Next() {
		p := HistoryPoint{Granularity: g.String()}
		if err := rows.Scan(
			&p.Timestamp, &p.HighestBid, &p.LowestAsk, &p.OpeningPrice, &p.ClosingPrice, &p.Volume,
		); err != nil {
			return nil, err
		}
		resp.Points = append(resp.Points, p)
	}
	return resp, rows.Err()
}

// GetTransactions pages through a pair's trades starting at (fromHeight, fromPosition).
func (qs *QueryService) GetTransactions(
	ctx context.Context,
	pair ledger.PairKey,
	fromHeight uint64,
	fromPosition int,
	limit int,
) (*TransactionsResponse, error) {
	asOf, err := qs.persistedHeight(ctx)
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	rows, err := qs.db.QueryContext(ctx, `
		SELECT id, height, position, bid_owner, ask_owner, bid_type, ask_type,
		       bid_price, ask_price, bid_paid, bid_received, ask_paid, ask_received,
		       fees_asset, fees_collected, returned_collateral, short_collateral
		FROM block_log.market_transactions
		WHERE quote_id = $1 AND base_id = $2 AND (height, position) >= ($3, $4)
		ORDER BY height ASC, position ASC
		LIMIT $5
	`, int64(pair.QuoteID), int64(pair.BaseID), int64(fromHeight), fromPosition, limit+1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	resp := &TransactionsResponse{Trades: []TradeResponse{}, AsOfHeight: asOf}
	for rows.Next() {
		var (
			t          TradeResponse
			height     int64
			feesAsset  int64
			returned   sql.NullInt64
			collateral sql.NullInt64
		)
		if err := rows.Scan(
			&t.ID, &height, &t.Position, &t.BidOwner, &t.AskOwner, &t.BidType, &t.AskType,
			&t.BidPrice, &t.AskPrice, &t.BidPaid, &t.BidReceived, &t.AskPaid, &t.AskReceived,
			&feesAsset, &t.FeesCollected, &returned, &collateral,
		); err != nil {
			return nil, err
		}
		t.Height = uint64(height)
		t.FeesAsset = uint32(feesAsset)
		if returned.Valid {
			t.ReturnedCollateral = &returned.Int64
		}
		if collateral.Valid {
			t.ShortCollateral = &collateral.Int64
		}
		resp.Trades = append(resp.Trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(resp.Trades) > limit {
		next := resp.Trades[limit]
		resp.Trades = resp.Trades[:limit]
		resp.NextHeight = next.Height
		resp.NextPosition = next.Position
	}
	return resp, nil
}

// GetBlock returns a persisted block.
func (qs *QueryService) GetBlock(ctx context.Context, height uint64) (*BlockResponse, error) {
	var (
		b                   BlockResponse
		payload, state, prv []byte
	)
	err := qs.db.QueryRowContext(ctx, `
		SELECT block_time, payload, state_hash, prev_hash
		FROM block_log.blocks WHERE height = $1
	`, int64(height)).Scan(&b.Timestamp, &payload, &state, &prv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("block %d: %w", height, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	b.Height = height
	b.Block = payload
	b.StateHash = hex.EncodeToString(state)
	b.PrevHash = hex.EncodeToString(prv)
	return &b, nil
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity of the block log and that every
// checkpoint agrees with its block.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	var err error
	report.HashChainBreaks, err = qs.heights(ctx, `
		SELECT b1.height
		FROM block_log.blocks b1
		JOIN block_log.blocks b2 ON b2.height = b1.height - 1
		WHERE b1.prev_hash != b2.state_hash
		ORDER BY b1.height
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}

	report.CheckpointMismatch, err = qs.heights(ctx, `
		SELECT c.height
		FROM block_log.checkpoints c
		JOIN block_log.blocks b ON b.height = c.height
		WHERE c.state_hash != b.state_hash
		ORDER BY c.height
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("checkpoints: %w", err)
	}

	if report.LastPersistedHeight, err = qs.persistedHeight(ctx); err != nil {
		return nil, err
	}
	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.CheckpointMismatch) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) heights(ctx context.Context, query string) ([]uint64, error) {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, uint64(h))
	}
	return out, rows.Err()
}

func (qs *QueryService) watermark(ctx context.Context, projection string) (uint64, error) {
	var h int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT height FROM projections.watermark WHERE projection = $1`, projection,
	).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return uint64(h), err
}

func (qs *QueryService) persistedHeight(ctx context.Context) (uint64, error) {
	var h int64
	err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(height), 0) FROM block_log.checkpoints`,
	).Scan(&h)
	if err != nil {
		return 0, fmt.Errorf("persisted height: %w", err)
	}
	return uint64(h), nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxPageSize {
		return MaxPageSize
	}
	return limit
}
