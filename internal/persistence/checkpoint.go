package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Checkpoint is the hash chain head recorded with a persisted block.
type Checkpoint struct {
	Height    uint64
	StateHash []byte
}

// BlockLog reads back what the persistence worker wrote. It serves restart
// verification, replay and LRU warming.
type BlockLog struct {
	db *sql.DB
}

func NewBlockLog(db *sql.DB) *BlockLog {
	return &BlockLog{db: db}
}

// LatestCheckpoint returns nil when nothing has been persisted yet.
func (bl *BlockLog) LatestCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var (
		cp     Checkpoint
		height int64
	)
	err := bl.db.QueryRowContext(ctx, `
		SELECT height, state_hash FROM block_log.checkpoints
		ORDER BY height DESC
		LIMIT 1
	`).Scan(&height, &cp.StateHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.Height = uint64(height)
	return &cp, nil
}

// CheckpointAt returns the checkpoint of one height, or nil when it is not persisted.
func (bl *BlockLog) CheckpointAt(ctx context.Context, height uint64) (*Checkpoint, error) {
	cp := Checkpoint{Height: height}
	err := bl.db.QueryRowContext(ctx,
		`SELECT state_hash FROM block_log.checkpoints WHERE height = $1`, int64(height),
	).Scan(&cp.StateHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %d: %w", height, err)
	}
	return &cp, nil
}

// LoadBlocksFrom returns up to limit persisted blocks starting at height, in order.
func (bl *BlockLog) LoadBlocksFrom(ctx context.Context, from uint64, limit int) ([]BlockRow, error) {
	rows, err := bl.db.QueryContext(ctx, `
		SELECT height, block_time, payload, state_hash, prev_hash
		FROM block_log.blocks
		WHERE height >= $1
		ORDER BY height ASC
		LIMIT $2
	`, int64(from), limit)
	if err != nil {
		return nil, fmt.Errorf("load blocks from %d: %w", from, err)
	}
	defer rows.Close()

	var out []BlockRow
	for rows.Next() {
		var (
			b      BlockRow
			height int64
		)
		if err := rows.Scan(&height, &b.BlockTime, &b.Payload, &b.StateHash, &b.PrevHash); err != nil {
			return nil, err
		}
		b.Height = uint64(height)
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecentTxKeys returns the composite keys ("Type:key") of the most recently
// applied transactions, oldest first, for warming the dedup LRU.
func (bl *BlockLog) RecentTxKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := bl.db.QueryContext(ctx, `
		SELECT tx_type || ':' || idempotency_key FROM (
			SELECT tx_type, idempotency_key, height, position
			FROM block_log.transactions
			WHERE applied
			ORDER BY height DESC, position DESC
			LIMIT $1
		) recent
		ORDER BY height ASC, position ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent tx keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0, limit)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
