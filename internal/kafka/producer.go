package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/marketgate/sla-engine/internal/config"
	"github.com/marketgate/sla-engine/internal/escalation"
)

// Producer publishes escalation events to the notifier topic. It implements
// the engine's Notifier interface.
type Producer struct {
	config   *config.Config
	logger   *slog.Logger
	producer sarama.SyncProducer
}

// NewProducer creates a new escalation event producer.
func NewProducer(cfg *config.Config, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_8_0_0
	saramaConfig.ClientID = "sla-engine"
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	return &Producer{
		config:   cfg,
		logger:   logger,
		producer: producer,
	}, nil
}

// PublishEscalation sends one escalation event, keyed by violation ID so all
// levels of one violation land on the same partition in order.
func (p *Producer) PublishEscalation(_ context.Context, event escalation.Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation event: %w", err)
	}

	message := &sarama.ProducerMessage{
		Topic: p.config.Kafka.Topics.Escalations,
		Key:   sarama.StringEncoder(event.ViolationID),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		return fmt.Errorf("failed to publish escalation event: %w", err)
	}

	p.logger.Info("Escalation event published",
		"violation_id", event.ViolationID,
		"level", event.Level,
		"partition", partition,
		"offset", offset)
	return nil
}

// Close releases the underlying producer.
func (p *Producer) Close() error {
	return p.producer.Close()
}
