package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"concierge/internal/metrics"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// Producer handles Kafka message publishing. One writer is kept per topic.
type Producer struct {
	mu           sync.Mutex
	writers      map[string]*kafka.Writer
	brokers      []string
	writeTimeout time.Duration
	log          *logger.Logger
}

// ProducerConfig holds producer configuration
type ProducerConfig struct {
	Brokers      []string
	WriteTimeout time.Duration
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Producer{
		writers:      make(map[string]*kafka.Writer),
		brokers:      cfg.Brokers,
		writeTimeout: cfg.WriteTimeout,
		log:          logger.Get().With("component", "kafka_producer"),
	}
}

func (p *Producer) writer(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.writers[topic]; ok {
		return w
	}

	// keyed by user id so one user's events stay ordered within a partition
	w := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           p.writeTimeout,
		AllowAutoTopicCreation: true,
	}

	p.writers[topic] = w
	return w
}

// Publish sends a JSON-encoded event to a topic
func (p *Producer) Publish(ctx context.Context, topic string, key string, event interface{}) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return p.PublishBinary(ctx, topic, []byte(key), data)
}

// PublishBinary sends pre-encoded bytes to a topic
func (p *Producer) PublishBinary(ctx context.Context, topic string, key []byte, data []byte) error {
	msg := kafka.Message{
		Key:   key,
		Value: data,
		Time:  time.Now(),
	}

	err := p.writer(topic).WriteMessages(ctx, msg)
	metrics.RecordKafkaMessage(topic, "produce", err)
	if err != nil {
		p.log.Errorw("Failed to publish", "topic", topic, "error", err)
		return errors.Wrapf(err, "publish to %s", topic)
	}

	p.log.Debugw("Published", "topic", topic, "key", string(key), "size_bytes", len(data))
	return nil
}

// Close closes all writers
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			p.log.Errorw("Failed to close writer", "topic", topic, "error", err)
			errs = append(errs, err)
		}
	}
	p.writers = make(map[string]*kafka.Writer)

	if len(errs) > 0 {
		return errors.Wrapf(errs[0], "close %d writers", len(errs))
	}
	return nil
}
