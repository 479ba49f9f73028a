package consumers

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	kafkaadapter "concierge/internal/adapters/kafka"
	"concierge/internal/domain/ai_usage"
	"concierge/internal/events"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// MessageSource is a Kafka consumer as seen by the cost consumer
type MessageSource interface {
	Consume(ctx context.Context, handler kafkaadapter.MessageHandler) error
	Close() error
}

// CostSink buffers mirrored records, usually the ClickHouse analytics repository
type CostSink interface {
	Start(ctx context.Context)
	Add(ctx context.Context, rec ai_usage.CostRecord) error
	Stop(ctx context.Context) error
}

// CostRecordConsumer reads cost events from Kafka and buffers them into the
// analytics mirror. The mirror is keyed by record id so redelivery is harmless.
type CostRecordConsumer struct {
	source MessageSource
	sink   CostSink
	log    *logger.Logger
}

// NewCostRecordConsumer creates a new cost record consumer
func NewCostRecordConsumer(source MessageSource, sink CostSink, log *logger.Logger) *CostRecordConsumer {
	return &CostRecordConsumer{
		source: source,
		sink:   sink,
		log:    log.With("component", "cost_record_consumer"),
	}
}

// Start consumes until ctx is cancelled, then flushes the sink and closes the reader
func (c *CostRecordConsumer) Start(ctx context.Context) error {
	c.log.Info("Starting cost record consumer")

	c.sink.Start(ctx)

	defer func() {
		if err := c.source.Close(); err != nil {
			c.log.Errorw("Failed to close cost record consumer", "error", err)
		}
	}()

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.sink.Stop(stopCtx); err != nil {
			c.log.Errorw("Failed to flush analytics buffer", "error", err)
		} else {
			c.log.Info("Analytics buffer flushed")
		}
	}()

	if err := c.source.Consume(ctx, c.handle); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "consume cost records")
	}
	return nil
}

func (c *CostRecordConsumer) handle(ctx context.Context, msg kafka.Message) error {
	event, err := events.DecodeCostRecorded(msg.Value)
	if err != nil {
		return errors.Wrapf(err, "offset %d", msg.Offset)
	}

	if err := c.sink.Add(ctx, event.Record); err != nil {
		return errors.Wrap(err, "buffer cost record")
	}

	c.log.Debugw("Cost record buffered",
		"record_id", event.Record.ID,
		"provider", event.Record.Provider,
		"cost_usd", event.Record.Cost.String(),
	)
	return nil
}
