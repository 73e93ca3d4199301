package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"MarketLedger/internal/core"
	"MarketLedger/internal/observability"
)

// TradeMessage is the outbound form of a market transaction.
type TradeMessage struct {
	ID            uuid.UUID       `json:"id"`
	Height        uint64          `json:"height"`
	Timestamp     int64           `json:"timestamp"`
	QuoteID       uint32          `json:"quote_id"`
	BaseID        uint32          `json:"base_id"`
	BidOwner      string          `json:"bid_owner"`
	AskOwner      string          `json:"ask_owner"`
	BidType       string          `json:"bid_type"`
	AskType       string          `json:"ask_type"`
	BidPrice      decimal.Decimal `json:"bid_price"`
	AskPrice      decimal.Decimal `json:"ask_price"`
	BidPaid       int64           `json:"bid_paid"`
	BidReceived   int64           `json:"bid_received"`
	AskPaid       int64           `json:"ask_paid"`
	AskReceived   int64           `json:"ask_received"`
	FeesCollected int64           `json:"fees_collected"`
	StateHash     string          `json:"state_hash"`
}

// Key groups messages of one pair so partitioned sinks keep their order.
func (m TradeMessage) Key() string {
	return fmt.Sprintf("%d.%d", m.QuoteID, m.BaseID)
}

// TradeMessages converts the block's trades, cancels included.
func TradeMessages(out *core.BlockOutput) []TradeMessage {
	env := out.Envelope
	hash := hex.EncodeToString(env.StateHash[:])
	trades := out.Trades()
	msgs := make([]TradeMessage, 0, len(trades))
	for _, t := range trades {
		msgs = append(msgs, TradeMessage{
			ID:            t.ID,
			Height:        env.Height,
			Timestamp:     env.Timestamp,
			QuoteID:       uint32(t.BidPrice.QuoteID),
			BaseID:        uint32(t.BidPrice.BaseID),
			BidOwner:      t.BidOwner.String(),
			AskOwner:      t.AskOwner.String(),
			BidType:       t.BidType.String(),
			AskType:       t.AskType.String(),
			BidPrice:      t.BidPrice.Decimal(),
			AskPrice:      t.AskPrice.Decimal(),
			BidPaid:       t.BidPaid.Amount,
			BidReceived:   t.BidReceived.Amount,
			AskPaid:       t.AskPaid.Amount,
			AskReceived:   t.AskReceived.Amount,
			FeesCollected: t.FeesCollected.Amount,
			StateHash:     hash,
		})
	}
	return msgs
}

// TradeSink delivers trade messages to one downstream system.
type TradeSink interface {
	Name() string
	Publish(ctx context.Context, msgs []TradeMessage) error
}

// OutboundPublisher fans applied blocks out to the configured sinks. Delivery is
// best effort: downstream consumers can page the block log through the query API.
type OutboundPublisher struct {
	inputChan <-chan *core.BlockOutput
	sinks     []TradeSink
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func NewOutboundPublisher(
	inputChan <-chan *core.BlockOutput,
	sinks []TradeSink,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *OutboundPublisher {
	return &OutboundPublisher{
		inputChan: inputChan,
		sinks:     sinks,
		metrics:   metrics,
		log:       log,
	}
}

// Run publishes until ctx is cancelled or the channel closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			op.PublishBlock(ctx, out)
		}
	}
}

// PublishBlock sends one block's trades to every sink.
func (op *OutboundPublisher) PublishBlock(ctx context.Context, out *core.BlockOutput) {
	msgs := TradeMessages(out)
	if len(msgs) == 0 {
		return
	}
	for _, s := range op.sinks {
		if err := s.Publish(ctx, msgs); err != nil {
			op.log.Warn().Err(err).
				Str("sink", s.Name()).
				Uint64("height", out.Envelope.Height).
				Int("trades", len(msgs)).
				Msg("outbound publish failed")
			if op.metrics != nil {
				op.metrics.PublishDrops.WithLabelValues(s.Name()).Add(float64(len(msgs)))
			}
		}
	}
}

// NATSSink publishes each trade to mledger.trades.{quote}.{base}.
type NATSSink struct {
	js jetstream.JetStream
}

func NewNATSSink(js jetstream.JetStream) *NATSSink {
	return &NATSSink{js: js}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(ctx context.Context, msgs []TradeMessage) error {
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal trade: %w", err)
		}
		// the trade id dedups redelivered publishes on the stream
		if _, err := s.js.Publish(ctx, "mledger.trades."+m.Key(), data, jetstream.WithMsgID(m.ID.String())); err != nil {
			return err
		}
	}
	return nil
}
