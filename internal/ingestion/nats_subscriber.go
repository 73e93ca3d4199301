package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	BlockStream   = "MLEDGER_BLOCKS"
	BlockSubject  = "mledger.blocks.>"
	BlockConsumer = "ledger-blocks"

	TradeStream  = "MLEDGER_TRADES"
	TradeSubject = "mledger.trades.>"
)

// RawBlock is an undecoded block from an ingestion source. The shell parses it,
// hands it to the core, then acks or naks.
type RawBlock struct {
	Source   string
	Subject  string
	Data     []byte
	Received time.Time
	AckFunc  func() // ACK after the block is applied or skipped as a duplicate
	NakFunc  func() // NAK to have it redelivered
}

func (r RawBlock) Ack() {
	if r.AckFunc != nil {
		r.AckFunc()
	}
}

func (r RawBlock) Nak() {
	if r.NakFunc != nil {
		r.NakFunc()
	}
}

// NATSSubscriber feeds blocks from JetStream into blockChan. The consumer allows
// a single unacked message so blocks reach the core in stream order.
type NATSSubscriber struct {
	js        jetstream.JetStream
	blockChan chan<- RawBlock
	consumer  jetstream.ConsumeContext
	log       zerolog.Logger
}

func NewNATSSubscriber(js jetstream.JetStream, blockChan chan<- RawBlock, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		blockChan: blockChan,
		log:       log,
	}
}

// Subscribe creates the durable block consumer: explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, BlockStream, jetstream.ConsumerConfig{
		Durable:       BlockConsumer,
		FilterSubject: BlockSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", BlockConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawBlock{
			Source:   "nats",
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			Received: time.Now(),
			AckFunc:  func() { msg.Ack() },
			NakFunc:  func() { msg.Nak() },
		}
		select {
		case ns.blockChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", BlockConsumer, err)
	}
	ns.consumer = cc
	ns.log.Info().Str("subject", BlockSubject).Str("consumer", BlockConsumer).Msg("subscribed")
	return nil
}

// EnsureStreams creates the block and trade streams: FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{Name: BlockStream, Subjects: []string{BlockSubject}},
		{Name: TradeStream, Subjects: []string{TradeSubject}},
	}
	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// Stop stops the consumer.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.log.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("marketledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
