// Package kafka publishes settled payment outcomes to a Kafka topic
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/kevin07696/uniform-pay/internal/domain"
	"github.com/kevin07696/uniform-pay/pkg/shutdown"
)

// EventTypeOutcome is the event_type header on outcome messages
const EventTypeOutcome = "payment.outcome"

// Config configures the outcome publisher
type Config struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// messageWriter is the subset of *kafkago.Writer the publisher uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// OutcomePublisher writes one message per settled attempt, keyed by client_sn so every message
// for an attempt lands on the same partition.
type OutcomePublisher struct {
	writer   messageWriter
	topic    string
	timeout  time.Duration
	inflight *shutdown.InFlightTracker
	logger   *zap.Logger
}

// NewOutcomePublisher creates a publisher backed by a synchronous kafka-go writer
func NewOutcomePublisher(cfg Config, logger *zap.Logger) (*OutcomePublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  3,
		Logger:       kafkago.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:  kafkago.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	}

	return newOutcomePublisher(writer, cfg, logger), nil
}

func newOutcomePublisher(writer messageWriter, cfg Config, logger *zap.Logger) *OutcomePublisher {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &OutcomePublisher{
		writer:   writer,
		topic:    cfg.Topic,
		timeout:  cfg.WriteTimeout,
		inflight: shutdown.NewInFlightTracker("kafka_outcomes", logger),
		logger:   logger,
	}
}

// PublishOutcome implements ports.OutcomePublisher
func (p *OutcomePublisher) PublishOutcome(ctx context.Context, outcome domain.Outcome) error {
	if !p.inflight.Add() {
		return domain.ErrClosed
	}
	defer p.inflight.Done()

	value, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	msg := kafkago.Message{
		Key:   []byte(outcome.ClientTransactionID),
		Value: value,
		Time:  outcome.SettledAt,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(EventTypeOutcome)},
			{Key: "status", Value: []byte(outcome.Status)},
		},
	}

	writeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		p.logger.Error("Failed to publish payment outcome",
			zap.String("topic", p.topic),
			zap.String("client_sn", outcome.ClientTransactionID),
			zap.Error(err),
		)
		return domain.WrapError(domain.ErrorCodeTransport, "failed to publish outcome", err)
	}

	p.logger.Info("Payment outcome published",
		zap.String("topic", p.topic),
		zap.String("client_sn", outcome.ClientTransactionID),
		zap.String("status", string(outcome.Status)),
	)
	return nil
}

// Close waits for in-flight writes, then closes the writer
func (p *OutcomePublisher) Close(ctx context.Context) error {
	waitErr := p.inflight.Shutdown(ctx)
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer: %w", err)
	}
	p.logger.Info("Outcome publisher closed")
	return waitErr
}

// EnsureTopic creates topic through the cluster controller if it does not exist yet
func EnsureTopic(ctx context.Context, brokers []string, topic string, partitions int, logger *zap.Logger) error {
	if len(brokers) == 0 {
		return errors.New("kafka brokers are required")
	}

	conn, err := kafkago.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("failed to dial kafka broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("failed to get kafka controller: %w", err)
	}

	controllerConn, err := kafkago.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return fmt.Errorf("failed to dial kafka controller: %w", err)
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
	if err != nil && !errors.Is(err, kafkago.TopicAlreadyExists) {
		return fmt.Errorf("failed to create kafka topic %s: %w", topic, err)
	}

	logger.Info("Kafka topic ready", zap.String("topic", topic), zap.Int("partitions", partitions))
	return nil
}
