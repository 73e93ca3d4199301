package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresIdempotencyChecker is the second dedup tier behind the core's LRU.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate reports whether a transaction with this type and key was applied
// by a persisted block.
func (pic *PostgresIdempotencyChecker) IsDuplicate(txType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var exists int
	err := pic.db.QueryRowContext(ctx, `
		SELECT 1
		FROM block_log.transactions
		WHERE tx_type = $1 AND idempotency_key = $2 AND applied
		LIMIT 1
	`, txType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ReplayIdempotencyChecker only sees transactions persisted below the block being
// replayed, so a block re-applied from the log does not collide with itself.
type ReplayIdempotencyChecker struct {
	db    *sql.DB
	below uint64
}

func NewReplayIdempotencyChecker(db *sql.DB) *ReplayIdempotencyChecker {
	return &ReplayIdempotencyChecker{db: db}
}

// SetHeight bounds lookups to blocks strictly below height.
func (rc *ReplayIdempotencyChecker) SetHeight(height uint64) {
	rc.below = height
}

func (rc *ReplayIdempotencyChecker) IsDuplicate(txType string, idempotencyKey string) (bool, error) {
	var exists int
	err := rc.db.QueryRowContext(context.Background(), `
		SELECT 1
		FROM block_log.transactions
		WHERE tx_type = $1 AND idempotency_key = $2 AND applied AND height < $3
		LIMIT 1
	`, txType, idempotencyKey, int64(rc.below)).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
