// Package events publishes settlement and submission status events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	cfg "github.com/haulmark/payment-verifier/backend/config"
	"github.com/haulmark/payment-verifier/backend/internal/entities"
)

// StatusEvent is the wire shape of a submission status change.
type StatusEvent struct {
	SubmissionID string                    `json:"submission_id"`
	OrderID      string                    `json:"order_id"`
	UserID       string                    `json:"user_id"`
	Status       entities.SubmissionStatus `json:"status"`
	FraudScore   int                       `json:"fraud_score"`
	Attempts     int                       `json:"attempts"`
	OccurredAt   time.Time                 `json:"occurred_at"`
}

type Publisher struct {
	logger          *slog.Logger
	producer        sarama.SyncProducer
	settlementTopic string
	statusTopic     string
}

// NewProducer dials the brokers, retrying while Kafka starts up.
func NewProducer(logger *slog.Logger, config *cfg.Config) (sarama.SyncProducer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = config.Kafka.ProducerRetryMax
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	var (
		producer sarama.SyncProducer
		err      error
	)
	attempts := max(config.Kafka.ConnectAttempts, 1)
	for i := 1; i <= attempts; i++ {
		producer, err = sarama.NewSyncProducer(config.Kafka.Brokers, saramaConfig)
		if err == nil {
			logger.Info("Kafka producer initialized", "brokers", config.Kafka.Brokers)
			return producer, nil
		}

		logger.Warn("Waiting for Kafka", "attempt", i, "of", attempts, "error", err)
		time.Sleep(time.Duration(i) * time.Second)
	}

	return nil, fmt.Errorf("failed to start kafka producer: %w", err)
}

func NewPublisher(logger *slog.Logger, producer sarama.SyncProducer, settlementTopic, statusTopic string) *Publisher {
	return &Publisher{
		logger:          logger,
		producer:        producer,
		settlementTopic: settlementTopic,
		statusTopic:     statusTopic,
	}
}

// PublishSettlement sends the event keyed by order id so every consumer sees
// one order's events in order.
func (p *Publisher) PublishSettlement(ctx context.Context, event *entities.SettlementEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal settlement event: %w", err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.settlementTopic,
		Key:   sarama.StringEncoder(event.OrderID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_id"), Value: []byte(event.EventID)},
			{Key: []byte("kind"), Value: []byte(event.Kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send settlement event: %w", err)
	}

	p.logger.InfoContext(ctx, "Published settlement event",
		"event_id", event.EventID, "order_id", event.OrderID, "kind", event.Kind,
		"partition", partition, "offset", offset)
	return nil
}

// NotifySubmission publishes the status change. Failures are logged only.
func (p *Publisher) NotifySubmission(ctx context.Context, sub *entities.PaymentSubmission) {
	data, err := json.Marshal(StatusEvent{
		SubmissionID: sub.ID,
		OrderID:      sub.OrderID,
		UserID:       sub.UserID,
		Status:       sub.Status,
		FraudScore:   sub.FraudScore,
		Attempts:     sub.Attempts,
		OccurredAt:   sub.UpdatedAt,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to marshal status event", "submission_id", sub.ID, "error", err)
		return
	}

	_, _, err = p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.statusTopic,
		Key:   sarama.StringEncoder(sub.ID),
		Value: sarama.ByteEncoder(data),
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to send status event", "submission_id", sub.ID, "error", err)
	}
}

func (p *Publisher) Close() error {
	return p.producer.Close()
}

// LogPublisher stands in for Kafka when no brokers are configured.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) PublishSettlement(ctx context.Context, event *entities.SettlementEvent) error {
	p.logger.InfoContext(ctx, "Settlement event",
		"event_id", event.EventID, "order_id", event.OrderID, "kind", event.Kind, "amount", event.Amount)
	return nil
}
