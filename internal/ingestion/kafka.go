package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// KafkaSink publishes trades to a topic, keyed by pair.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaProducer returns an idempotent producer that waits for all replicas.
func NewKafkaProducer(brokers []string) (sarama.SyncProducer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.ClientID = "marketledger"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond

	p, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return p, nil
}

func NewKafkaSink(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

// Publish sends the messages as one batch.
func (s *KafkaSink) Publish(ctx context.Context, msgs []TradeMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	batch := make([]*sarama.ProducerMessage, 0, len(msgs))
	for _, m := range msgs {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal trade: %w", err)
		}
		batch = append(batch, &sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(m.Key()),
			Value: sarama.ByteEncoder(payload),
			Headers: []sarama.RecordHeader{
				{Key: []byte("trade_id"), Value: []byte(m.ID.String())},
			},
		})
	}
	if err := s.producer.SendMessages(batch); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
