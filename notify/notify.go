/*
Package notify delivers document notifications.

PURPOSE:
  Implements document.Notifier. Notifications are fire-and-forget: the
  core logs a failed delivery and never rolls anything back for it.

IMPLEMENTATIONS:
  Kafka: publishes one JSON message per notification, keyed by
         recipient so a recipient's messages stay ordered in a partition
  Log:   writes the notification to the structured log (dev, tests)
*/
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Message is the wire payload of a notification.
type Message struct {
	Recipient string    `json:"recipient"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sent_at"`
}

// =============================================================================
// KAFKA
// =============================================================================

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes notifications to a topic.
type Kafka struct {
	writer messageWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewKafka returns a notifier writing asynchronously to topic on brokers.
// Delivery failures surface in the log through the writer's completion hook.
func NewKafka(brokers []string, topic string, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("notification delivery failed",
					zap.String("topic", topic),
					zap.Int("messages", len(msgs)),
					zap.Error(err),
				)
			}
		},
	}
	return newKafka(w, logger)
}

func newKafka(w messageWriter, logger *zap.Logger) *Kafka {
	return &Kafka{writer: w, logger: logger, now: time.Now}
}

func (k *Kafka) Notify(ctx context.Context, recipient, title, message string) error {
	payload, err := json.Marshal(Message{
		Recipient: recipient,
		Title:     title,
		Message:   message,
		SentAt:    k.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(recipient),
		Value: payload,
	}); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

// =============================================================================
// LOG
// =============================================================================

// Log writes notifications to a zap logger.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("notify")}
}

func (l *Log) Notify(_ context.Context, recipient, title, message string) error {
	l.logger.Info(title,
		zap.String("recipient", recipient),
		zap.String("message", message),
	)
	return nil
}
