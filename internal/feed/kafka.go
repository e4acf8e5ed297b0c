package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ksred/klear-ephemeral/internal/types"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher writes trades to a topic keyed by market id, so trades of
// one market stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, trade types.Trade) error {
	value, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("feed: encode trade %s: %w", trade.TradeID, err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(trade.MarketID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("feed: kafka publish %s: %w", trade.TradeID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
