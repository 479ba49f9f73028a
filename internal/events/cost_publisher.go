package events

import (
	"context"
	"encoding/json"
	"time"

	"concierge/internal/domain/ai_usage"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

// Producer is the subset of the Kafka producer the publishers need
type Producer interface {
	Publish(ctx context.Context, topic string, key string, event interface{}) error
}

// CostRecordedEvent announces one durably written cost record
type CostRecordedEvent struct {
	BaseEvent
	OccurredAt time.Time           `json:"occurred_at"`
	Record     ai_usage.CostRecord `json:"record"`
}

// CostPublisher mirrors ledger writes to Kafka for the analytics store
type CostPublisher struct {
	producer Producer
	topic    string
	log      *logger.Logger
}

// NewCostPublisher creates a publisher writing to topic
func NewCostPublisher(producer Producer, topic string, log *logger.Logger) *CostPublisher {
	return &CostPublisher{
		producer: producer,
		topic:    topic,
		log:      log.With("component", "cost_publisher"),
	}
}

// PublishCostRecorded publishes rec keyed by user id
func (p *CostPublisher) PublishCostRecorded(ctx context.Context, rec ai_usage.CostRecord) error {
	rec.ErrorSummary = SanitizeUTF8(rec.ErrorSummary)

	event := CostRecordedEvent{
		BaseEvent:  NewBaseEvent(EventCostRecorded, "cost_ledger", rec.UserID),
		OccurredAt: time.Now().UTC(),
		Record:     rec,
	}

	if err := p.producer.Publish(ctx, p.topic, rec.UserID, event); err != nil {
		return errors.Wrap(err, "publish cost record")
	}

	p.log.Debugw("Cost record published", "record_id", rec.ID, "topic", p.topic)
	return nil
}

// DecodeCostRecorded parses and validates a CostRecordedEvent payload
func DecodeCostRecorded(data []byte) (CostRecordedEvent, error) {
	var event CostRecordedEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return CostRecordedEvent{}, errors.Wrapf(errors.ErrInvalidInput, "decode cost event: %v", err)
	}
	if event.Type != EventCostRecorded {
		return CostRecordedEvent{}, errors.Wrapf(errors.ErrInvalidInput, "unexpected event type %q", event.Type)
	}
	if event.Record.ID == "" {
		return CostRecordedEvent{}, errors.NewValidationError("record.id", "required", "")
	}
	if err := event.Record.Validate(); err != nil {
		return CostRecordedEvent{}, err
	}
	return event, nil
}
