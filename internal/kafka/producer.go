package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-ordering/internal/logger"
	"ms-ordering/internal/models"
)

// Producer streams order lifecycle events to a single topic, keyed by
// order id so per-order ordering is preserved.
type Producer struct {
	writer *kafka.Writer
	logger *logger.Logger
}

func NewProducer(brokers []string, topic string, log *logger.Logger) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
	return &Producer{writer: writer, logger: log}
}

type orderEvent struct {
	Type      string        `json:"type"`
	Order     *models.Order `json:"order"`
	Timestamp time.Time     `json:"timestamp"`
}

func (p *Producer) publish(ctx context.Context, eventType string, o *models.Order) error {
	msgBytes, err := json.Marshal(orderEvent{
		Type:      eventType,
		Order:     o,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	p.logger.LogKafka("PUBLISH", p.writer.Topic, fmt.Sprintf("%s for order %s", eventType, o.ID))
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(o.ID),
		Value: msgBytes,
	})
}

func (p *Producer) PublishOrderCreated(ctx context.Context, o *models.Order) error {
	return p.publish(ctx, "order_created", o)
}

func (p *Producer) PublishOrderCancelled(ctx context.Context, o *models.Order) error {
	return p.publish(ctx, "order_cancelled", o)
}

func (p *Producer) PublishOrderPaid(ctx context.Context, o *models.Order) error {
	return p.publish(ctx, "order_paid", o)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
