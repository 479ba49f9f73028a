package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"concierge/internal/metrics"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
	"concierge/pkg/reconnect"
)

// Consumer handles Kafka message consumption within a consumer group
type Consumer struct {
	reader  *kafka.Reader
	topic   string
	backoff *reconnect.Backoff
	log     *logger.Logger
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10e6 // 10MB
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = time.Second
	}

	log := logger.Get().With("component", "kafka_consumer", "topic", cfg.Topic)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
	})

	log.Infow("Kafka consumer created",
		"brokers", cfg.Brokers,
		"group_id", cfg.GroupID,
	)

	return &Consumer{
		reader:  reader,
		topic:   cfg.Topic,
		backoff: reconnect.New(reconnect.Config{MinBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second}),
		log:     log,
	}
}

// MessageHandler processes one message
type MessageHandler func(ctx context.Context, msg kafka.Message) error

// Consume fetches messages and calls handler for each one until ctx ends.
// Offsets are committed after the handler returns, so delivery is at-least-once.
// A handler error is logged and the message is still committed: a payload
// that fails once will fail on every redelivery.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	c.log.Info("Starting consumer")

	for {
		msg, err := c.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("Consumer stopped")
				return nil
			}
			wait := c.backoff.Failure()
			c.log.Warnw("Failed to fetch message",
				"error", err,
				"consecutive_failures", c.backoff.Failures(),
				"retry_in", wait,
			)
			if reconnect.Wait(ctx, wait) != nil {
				c.log.Info("Consumer stopped")
				return nil
			}
			continue
		}
		if prev := c.backoff.Success(); prev > 0 {
			c.log.Infow("Broker connection restored", "failed_fetches", prev)
		}

		// let the current message finish even when shutdown starts mid-handle
		handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		herr := handler(handleCtx, msg)
		cancel()

		metrics.RecordKafkaMessage(c.topic, "consume", herr)
		if herr != nil {
			c.log.Errorw("Failed to handle message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", herr,
			)
		}

		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.log.Warnw("Failed to commit offset", "offset", msg.Offset, "error", err)
		}
	}
}

// fetch checks for shutdown before blocking on the broker
func (c *Consumer) fetch(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	default:
	}

	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return kafka.Message{}, ctx.Err()
		}
		return kafka.Message{}, errors.Wrap(err, "fetch message")
	}
	return msg, nil
}

// Close closes the consumer
func (c *Consumer) Close() error {
	return c.reader.Close()
}
