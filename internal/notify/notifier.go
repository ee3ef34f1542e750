package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-ordering/internal/logger"
)

// Notifier tells the buyer their tickets exist. Fire-and-forget from the
// core's point of view: a delivery failure is logged and never rolls back
// fulfillment.
type Notifier interface {
	OrderFulfilled(ctx context.Context, orderID string, ticketIDs []string) error
}

// KafkaNotifier publishes one fulfillment message per order for the
// downstream notification service to deliver.
type KafkaNotifier struct {
	writer *kafka.Writer
	logger *logger.Logger
}

func NewKafkaNotifier(brokers []string, topic string, log *logger.Logger) *KafkaNotifier {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
	return &KafkaNotifier{writer: writer, logger: log}
}

type fulfilledMessage struct {
	OrderID   string    `json:"order_id"`
	TicketIDs []string  `json:"ticket_ids"`
	Timestamp time.Time `json:"timestamp"`
}

func (n *KafkaNotifier) OrderFulfilled(ctx context.Context, orderID string, ticketIDs []string) error {
	msgBytes, err := json.Marshal(fulfilledMessage{
		OrderID:   orderID,
		TicketIDs: ticketIDs,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	n.logger.LogKafka("PUBLISH", n.writer.Topic, fmt.Sprintf("fulfillment notice for order %s (%d tickets)", orderID, len(ticketIDs)))
	return n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(orderID),
		Value: msgBytes,
	})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}

// LogNotifier is the stand-in when kafka is disabled.
type LogNotifier struct {
	Logger *logger.Logger
}

func (n *LogNotifier) OrderFulfilled(_ context.Context, orderID string, ticketIDs []string) error {
	n.Logger.LogOrder("NOTIFY", orderID, fmt.Sprintf("%d ticket(s) issued", len(ticketIDs)))
	return nil
}
