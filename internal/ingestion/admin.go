package ingestion

import (
	"context"
	"errors"
	"time"
)

// ErrInjectQueueFull is returned when the block queue has no room.
var ErrInjectQueueFull = errors.New("block queue full")

// AdminInjector lets operators submit blocks over HTTP. Blocks share the queue
// NATS feeds, so they are sequenced like any other block.
type AdminInjector struct {
	blockChan chan<- RawBlock
	wait      time.Duration
}

func NewAdminInjector(blockChan chan<- RawBlock) *AdminInjector {
	return &AdminInjector{blockChan: blockChan, wait: 2 * time.Second}
}

// Inject validates the wire format and queues the block. It returns once the
// block is queued, not when it is applied.
func (a *AdminInjector) Inject(ctx context.Context, data []byte) (uint64, error) {
	b, err := ParseBlock(data)
	if err != nil {
		return 0, err
	}

	timer := time.NewTimer(a.wait)
	defer timer.Stop()

	raw := RawBlock{Source: "admin", Data: data, Received: time.Now()}
	select {
	case a.blockChan <- raw:
		return b.Height, nil
	case <-timer.C:
		return 0, ErrInjectQueueFull
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
