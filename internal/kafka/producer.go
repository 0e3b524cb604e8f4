package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/andersnauman/dmarc-collector/internal/config"
	"github.com/andersnauman/dmarc-collector/internal/metrics"
)

const EventReportStored = "report.stored"

// ReportStoredEvent announces a report written to the store.
type ReportStoredEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Kind       string    `json:"kind"`
	Alias      string    `json:"alias"`
	DocumentID string    `json:"document_id"`
	Identity   string    `json:"identity"`
	StoredAt   time.Time `json:"stored_at"`
}

// NewReportStoredEvent fills in the event id and type.
func NewReportStoredEvent(kind, alias, documentID, identity string, storedAt time.Time) ReportStoredEvent {
	return ReportStoredEvent{
		EventID:    uuid.New().String(),
		EventType:  EventReportStored,
		Kind:       kind,
		Alias:      alias,
		DocumentID: documentID,
		Identity:   identity,
		StoredAt:   storedAt.UTC(),
	}
}

// Publisher sends collector events.
type Publisher interface {
	PublishReportStored(ctx context.Context, event ReportStoredEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes events to a single topic.
type Producer struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
	logger  *logrus.Logger
	metrics *metrics.Collector
}

// NewProducer creates a producer for cfg.Topic.
func NewProducer(cfg config.KafkaConfig, logger *logrus.Logger, metrics *metrics.Collector) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newProducer(writer, cfg, logger, metrics)
}

func newProducer(writer messageWriter, cfg config.KafkaConfig, logger *logrus.Logger, metrics *metrics.Collector) *Producer {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Producer{
		writer:  writer,
		topic:   cfg.Topic,
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

// PublishReportStored publishes event keyed by its identity so events for one
// report land on one partition.
func (p *Producer) PublishReportStored(ctx context.Context, event ReportStoredEvent) error {
	err := p.publish(ctx, event.Identity, event.EventType, event)
	p.metrics.RecordPublish(err)
	return err
}

func (p *Producer) publish(ctx context.Context, key, eventType string, message interface{}) error {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		return errors.Wrap(err, "failed to serialize message")
	}

	kafkaMessage := kafka.Message{
		Key:   []byte(key),
		Value: messageBytes,
		Time:  time.Now(),
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte(eventType)},
			{Key: "source-service", Value: []byte("dmarc-collector")},
		},
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, kafkaMessage); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"topic": p.topic,
			"key":   key,
		}).Error("Failed to publish message")
		return errors.Wrap(err, "failed to publish message")
	}

	p.logger.WithFields(logrus.Fields{
		"topic": p.topic,
		"key":   key,
	}).Debug("Message published successfully")

	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Noop discards events. Used when no brokers are configured.
type Noop struct{}

func (Noop) PublishReportStored(context.Context, ReportStoredEvent) error { return nil }

func (Noop) Close() error { return nil }
