package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/md-rashed-zaman/slotsync/libs/kafkax"
	"github.com/md-rashed-zaman/slotsync/services/availability-service/internal/admin"
	"github.com/segmentio/kafka-go"
)

const SavedEventType = "availability.day.saved.v1"

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher announces admin save outcomes. It implements admin.Notifier, so
// downstream consumers (notification screens, caches) learn about writes.
type Publisher struct {
	writer MessageWriter
	topic  string
	logger *slog.Logger
}

func NewPublisher(writer MessageWriter, topic string, logger *slog.Logger) *Publisher {
	if topic == "" {
		topic = SavedEventType
	}
	return &Publisher{writer: writer, topic: topic, logger: logger}
}

// NewKafkaWriter builds a writer for the saved-events topic. It returns nil
// when no brokers are configured.
func NewKafkaWriter(brokers string) *kafka.Writer {
	list := kafkax.SplitBrokers(brokers)
	if len(list) == 0 {
		return nil
	}
	return &kafka.Writer{
		Addr:     kafka.TCP(list...),
		Balancer: &kafka.Hash{},
	}
}

func (p *Publisher) Notify(ctx context.Context, n admin.Notice) {
	if !n.OK {
		p.logger.Warn("availability save failed", "subject_id", n.SubjectID, "date", n.Date, "reason", n.Message)
		return
	}
	if p.writer == nil {
		return
	}
	payload, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("failed to build saved event", "err", err)
		return
	}
	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(n.SubjectID),
		Value:   payload,
		Headers: kafkax.EventHeaders(ctx, SavedEventType),
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("saved event publish failed", "subject_id", n.SubjectID, "err", err)
	}
}
