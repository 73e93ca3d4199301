// Package projection keeps read models in step with the core. Updates arrive on
// a lossy channel; a lagging projection is rebuilt from the ledger state.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"MarketLedger/internal/core"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/observability"
	"MarketLedger/internal/state"
)

// MarketStatusProjection is the watermark name of the market_status table.
const MarketStatusProjection = "market_status"

// StatusRow is a row of projections.market_status.
type StatusRow struct {
	QuoteID       uint32
	BaseID        uint32
	CurrentFeed   decimal.NullDecimal
	LastValidFeed decimal.NullDecimal
	LastError     string
	Height        uint64
}

// StatusRowFor converts a market status at height.
func StatusRowFor(s ledger.MarketStatus, height uint64) StatusRow {
	row := StatusRow{
		QuoteID:   uint32(s.QuoteID),
		BaseID:    uint32(s.BaseID),
		LastError: s.LastError,
		Height:    height,
	}
	if p := s.CurrentFeedPrice; p != nil {
		row.CurrentFeed = decimal.NewNullDecimal(p.Decimal())
	}
	if p := s.LastValidFeedPrice; p != nil {
		row.LastValidFeed = decimal.NewNullDecimal(p.Decimal())
	}
	return row
}

// ProjectionWorker updates projection tables from processed blocks.
type ProjectionWorker struct {
	db         *sql.DB
	inputChan  <-chan *core.BlockOutput
	tape       *TradeTape
	metrics    *observability.Metrics
	log        zerolog.Logger
	lastHeight uint64
}

// NewProjectionWorker resumes after lastHeight; blocks at or below it are ignored.
// tape may be nil.
func NewProjectionWorker(
	db *sql.DB,
	inputChan <-chan *core.BlockOutput,
	tape *TradeTape,
	lastHeight uint64,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		db:         db,
		inputChan:  inputChan,
		tape:       tape,
		lastHeight: lastHeight,
		metrics:    metrics,
		log:        log,
	}
}

// Run applies blocks until ctx is cancelled or the channel closes.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			h := out.Envelope.Height
			if h <= pw.lastHeight {
				continue
			}
			if pw.tape != nil {
				pw.tape.AddBlock(out)
			}

			start := time.Now()
			if err := pw.apply(ctx, out); err != nil {
				// eventually consistent; the next rebuild repairs it
				pw.log.Warn().Err(err).Uint64("height", h).Msg("projection update failed")
				continue
			}
			pw.lastHeight = h
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(MarketStatusProjection).Observe(time.Since(start).Seconds())
				pw.metrics.ProjectionHeight.Set(float64(h))
			}
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, out *core.BlockOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	h := out.Envelope.Height
	for _, s := range out.Statuses {
		if err := upsertStatus(ctx, tx, StatusRowFor(s, h)); err != nil {
			return fmt.Errorf("status %d/%d: %w", s.QuoteID, s.BaseID, err)
		}
	}
	if err := setWatermark(ctx, tx, MarketStatusProjection, h); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertStatus(ctx context.Context, tx *sql.Tx, r StatusRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.market_status
			(quote_id, base_id, current_feed, last_valid_feed, last_error, height)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (quote_id, base_id) DO UPDATE SET
			current_feed = EXCLUDED.current_feed,
			last_valid_feed = EXCLUDED.last_valid_feed,
			last_error = EXCLUDED.last_error,
			height = EXCLUDED.height
		WHERE projections.market_status.height <= EXCLUDED.height
	`, int64(r.QuoteID), int64(r.BaseID), r.CurrentFeed, r.LastValidFeed, r.LastError, int64(r.Height))
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, projection string, height uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection, height)
		VALUES ($1, $2)
		ON CONFLICT (projection) DO UPDATE SET height = EXCLUDED.height
	`, projection, int64(height))
	if err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// Watermark returns the last height applied to a projection, zero when none.
func Watermark(ctx context.Context, db *sql.DB, projection string) (uint64, error) {
	var h int64
	err := db.QueryRowContext(ctx,
		`SELECT height FROM projections.watermark WHERE projection = $1`, projection,
	).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(h), nil
}

// RebuildMarketStatus replaces the market_status table with every status held by
// the ledger state and moves the watermark to its head. It must run before the
// core starts applying blocks.
func RebuildMarketStatus(ctx context.Context, db *sql.DB, s state.ChainState) error {
	height := s.HeadBlockNum()

	var rows []StatusRow
	cur := s.MarketStatuses().First()
	for ; cur.Valid(); cur.Next() {
		rows = append(rows, StatusRowFor(cur.Value(), height))
	}
	err := cur.Err()
	cur.Close()
	if err != nil {
		return fmt.Errorf("scan market statuses: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.market_status`); err != nil {
		return fmt.Errorf("truncate market_status: %w", err)
	}
	for _, r := range rows {
		if err := upsertStatus(ctx, tx, r); err != nil {
			return err
		}
	}
	if err := setWatermark(ctx, tx, MarketStatusProjection, height); err != nil {
		return err
	}
	return tx.Commit()
}
