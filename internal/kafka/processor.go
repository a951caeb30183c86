// Package kafka connects the engine to the platform event bus: it consumes
// completed gating decisions from the approval workflow and publishes
// escalation events for the notifier.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/marketgate/sla-engine/internal/config"
	"github.com/marketgate/sla-engine/internal/engine"
	"github.com/marketgate/sla-engine/internal/sla"
)

// OutcomeMessage is the wire envelope of an ActionOutcome event.
type OutcomeMessage struct {
	ID            string    `json:"id"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	AdminID       string    `json:"admin_id"`
	SubmittedAt   time.Time `json:"submitted_at"`
	ActionTakenAt time.Time `json:"action_taken_at"`
	ActionType    string    `json:"action_type"`
	Priority      string    `json:"priority"`
}

// Processor consumes ActionOutcome events and feeds them to the engine.
// The approval workflow guarantees at-most-once delivery per action; the
// consumer does not deduplicate.
type Processor struct {
	config *config.Config
	logger *slog.Logger
	engine *engine.Engine
	group  sarama.ConsumerGroup

	messageCount atomic.Int64
	errorCount   atomic.Int64
	skippedCount atomic.Int64
}

// Stats is a snapshot of consumer counters.
type Stats struct {
	Messages int64 `json:"messages"`
	Errors   int64 `json:"errors"`
	Skipped  int64 `json:"skipped"`
}

// NewProcessor creates a new Kafka event processor.
func NewProcessor(cfg *config.Config, logger *slog.Logger, eng *engine.Engine) (*Processor, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V2_8_0_0
	saramaConfig.ClientID = "sla-engine"
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Kafka.Brokers, cfg.Kafka.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	return &Processor{
		config: cfg,
		logger: logger,
		engine: eng,
		group:  group,
	}, nil
}

// Start runs the consumer loop until the context is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	topic := p.config.Kafka.Topics.ActionOutcomes
	p.logger.Info("Starting Kafka event processor",
		"topic", topic,
		"group_id", p.config.Kafka.GroupID)

	go p.logGroupErrors(ctx)

	for {
		if err := p.group.Consume(ctx, []string{topic}, p); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			p.logger.Error("Consumer group session failed", "error", err)
			p.errorCount.Add(1)
		}
		// Session ended (rebalance); rejoin unless we are shutting down.
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Stop closes the consumer group.
func (p *Processor) Stop() {
	p.logger.Info("Stopping Kafka event processor")
	if err := p.group.Close(); err != nil {
		p.logger.Error("Failed to close consumer group", "error", err)
	}
}

func (p *Processor) logGroupErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-p.group.Errors():
			if !ok {
				return
			}
			p.errorCount.Add(1)
			p.logger.Error("Consumer group error", "error", err)
		}
	}
}

// Setup implements sarama.ConsumerGroupHandler.
func (p *Processor) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

// Cleanup implements sarama.ConsumerGroupHandler.
func (p *Processor) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim implements sarama.ConsumerGroupHandler.
func (p *Processor) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		if err := p.processMessage(session.Context(), message); err != nil {
			p.errorCount.Add(1)
			p.logger.Error("Failed to process outcome message",
				"topic", message.Topic,
				"partition", message.Partition,
				"offset", message.Offset,
				"error", err)
		} else {
			p.messageCount.Add(1)
		}
		// Marked either way: a poison message must not wedge the partition.
		session.MarkMessage(message, "")
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	var msg OutcomeMessage
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		p.skippedCount.Add(1)
		return fmt.Errorf("failed to unmarshal outcome message: %w", err)
	}

	outcome := sla.ActionOutcome{
		EntityType:    sla.EntityType(msg.EntityType),
		EntityID:      msg.EntityID,
		AdminID:       msg.AdminID,
		SubmittedAt:   msg.SubmittedAt,
		ActionTakenAt: msg.ActionTakenAt,
		ActionType:    sla.ActionType(msg.ActionType),
		Priority:      sla.Priority(msg.Priority),
	}

	recordCtx := ctx
	if timeout := p.config.SLA.RecordTimeout; timeout > 0 {
		var cancel context.CancelFunc
		recordCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := p.engine.Record(recordCtx, outcome); err != nil {
		var validationErr *sla.ValidationError
		if errors.As(err, &validationErr) {
			p.skippedCount.Add(1)
			p.logger.Warn("Skipping invalid outcome message",
				"message_id", msg.ID,
				"reason", validationErr.Reason)
			return nil
		}
		return err
	}

	p.logger.Debug("Outcome recorded",
		"message_id", msg.ID,
		"admin_id", msg.AdminID,
		"entity_id", msg.EntityID)
	return nil
}

// GetStats returns a snapshot of consumer counters.
func (p *Processor) GetStats() Stats {
	return Stats{
		Messages: p.messageCount.Load(),
		Errors:   p.errorCount.Load(),
		Skipped:  p.skippedCount.Load(),
	}
}
