package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/slotsync/libs/kafkax"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ChangeTarget receives change notifications for subjects.
type ChangeTarget interface {
	SubjectChanged(subjectID string) bool
}

// Change is the payload of availability.changed.v1.
type Change struct {
	SubjectID string `json:"subject_id"`
	Date      string `json:"date,omitempty"`
}

type ConsumerConfig struct {
	Brokers string
	GroupID string
	Topic   string
}

// Consumer listens for upstream availability changes and nudges the matching
// live session to refresh. Redelivered events are dropped by the inbox.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
	target ChangeTarget
	inbox  Inbox
}

// NewConsumer requires at least one broker; kafka-go panics otherwise.
func NewConsumer(logger *slog.Logger, target ChangeTarget, inbox Inbox, cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Topic == "" {
		cfg.Topic = "availability.changed.v1"
	}
	if inbox == nil {
		mem, err := NewMemoryInbox(0)
		if err != nil {
			return nil, err
		}
		inbox = mem
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  kafkax.SplitBrokers(cfg.Brokers),
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: reader, logger: logger, target: target, inbox: inbox}, nil
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}
		c.Handle(ctx, msg)
	}
}

// Handle processes one message. Exposed so it can be driven without a broker.
func (c *Consumer) Handle(ctx context.Context, msg kafka.Message) {
	ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
	ctxSpan, span := otel.Tracer("availability-events").Start(ctxMsg, "availability.change.consume",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
		),
	)
	defer span.End()

	meta := kafkax.ExtractEventMeta(msg)
	if meta.EventID != "" {
		fresh, err := c.inbox.Record(ctxSpan, meta.EventID, meta.EventType)
		if err != nil {
			// Dedup is best effort.
			c.logger.Error("inbox record failed", "err", err, "event_id", meta.EventID)
			span.RecordError(err)
		} else if !fresh {
			c.logger.Info("duplicate event ignored", "event_id", meta.EventID, "event_type", meta.EventType)
			return
		}
	}

	var change Change
	if err := json.Unmarshal(msg.Value, &change); err != nil {
		c.logger.Warn("invalid availability change", "err", err, "event_id", meta.EventID)
		return
	}
	subject := strings.TrimSpace(change.SubjectID)
	if subject == "" {
		c.logger.Warn("availability change without subject_id", "event_id", meta.EventID)
		return
	}
	span.SetAttributes(attribute.String("availability.subject_id", subject))

	if !c.target.SubjectChanged(subject) {
		c.logger.Debug("change for unwatched subject skipped", "subject_id", subject)
	}
}
