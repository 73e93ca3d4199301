package ingestion_test

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"MarketLedger/internal/core"
	"MarketLedger/internal/event"
	"MarketLedger/internal/ingestion"
	"MarketLedger/internal/ledger"
	"MarketLedger/internal/observability"
)

type recordingSink struct {
	name string
	err  error
	got  [][]ingestion.TradeMessage
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, msgs []ingestion.TradeMessage) error {
	s.got = append(s.got, msgs)
	return s.err
}

func tradeOutput() *core.BlockOutput {
	var hash [32]byte
	hash[0] = 0xab
	return &core.BlockOutput{
		Envelope: event.BlockEnvelope{Height: 4, Timestamp: 40, StateHash: hash},
		Pairs: []core.PairResult{{
			Pair:     ledger.PairKey{QuoteID: 7, BaseID: 0},
			Executed: true,
			Trades: []ledger.MarketTransaction{{
				ID:            uuid.MustParse("550e8400-e29b-41d4-a716-446655440000"),
				BidPrice:      ledger.MustParsePrice("2", 7, 0),
				AskPrice:      ledger.MustParsePrice("1.5", 7, 0),
				BidType:       ledger.OrderKindBid,
				AskType:       ledger.OrderKindAsk,
				BidPaid:       ledger.NewAsset(200, 7),
				FeesCollected: ledger.NewAsset(50, 7),
			}},
		}},
	}
}

func TestTradeMessages(t *testing.T) {
	msgs := ingestion.TradeMessages(tradeOutput())
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.Key() != "7.0" || m.Height != 4 || m.BidPaid != 200 || m.FeesCollected != 50 {
		t.Errorf("message = %+v", m)
	}
	if m.BidPrice.String() != "2" || m.StateHash[:2] != "ab" {
		t.Errorf("price %s hash %s", m.BidPrice, m.StateHash)
	}
}

func TestPublisherCountsDrops(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", err: errors.New("down")}
	pub := ingestion.NewOutboundPublisher(nil, []ingestion.TradeSink{ok, bad}, metrics, zerolog.Nop())

	pub.PublishBlock(context.Background(), tradeOutput())
	pub.PublishBlock(context.Background(), &core.BlockOutput{})

	if len(ok.got) != 1 || len(bad.got) != 1 {
		t.Fatalf("publishes ok=%d bad=%d, want 1 each", len(ok.got), len(bad.got))
	}
	if got := promtest.ToFloat64(metrics.PublishDrops.WithLabelValues("bad")); got != 1 {
		t.Errorf("bad drops = %v, want 1", got)
	}
	if got := promtest.ToFloat64(metrics.PublishDrops.WithLabelValues("ok")); got != 0 {
		t.Errorf("ok drops = %v, want 0", got)
	}
}

func TestKafkaSink(t *testing.T) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if len(val) == 0 || val[0] != '{' {
			return errors.New("payload is not a json object")
		}
		return nil
	})

	sink := ingestion.NewKafkaSink(producer, "marketledger.trades")
	if err := sink.Publish(context.Background(), ingestion.TradeMessages(tradeOutput())); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestKafkaSinkFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sink := ingestion.NewKafkaSink(producer, "marketledger.trades")
	err := sink.Publish(context.Background(), ingestion.TradeMessages(tradeOutput()))
	if err == nil {
		t.Fatal("publish succeeded against a failing producer")
	}
	sink.Close()
}

func TestAdminInjector(t *testing.T) {
	ch := make(chan ingestion.RawBlock, 1)
	inj := ingestion.NewAdminInjector(ch)
	ctx := context.Background()

	h, err := inj.Inject(ctx, mustJSON(t, validBlock()))
	if err != nil || h != 12 {
		t.Fatalf("inject = %d, %v", h, err)
	}
	raw := <-ch
	if raw.Source != "admin" {
		t.Errorf("source = %q", raw.Source)
	}
	raw.Ack() // no-op for admin blocks

	if _, err := inj.Inject(ctx, []byte(`{"height":0}`)); !errors.Is(err, ingestion.ErrMalformedBlock) {
		t.Errorf("malformed err = %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	ch <- raw
	cancel()
	if _, err := inj.Inject(cctx, mustJSON(t, validBlock())); !errors.Is(err, context.Canceled) {
		t.Errorf("full queue err = %v, want context.Canceled", err)
	}
}
