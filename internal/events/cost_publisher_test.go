package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concierge/internal/testsupport"
	"concierge/pkg/errors"
	"concierge/pkg/logger"
)

type published struct {
	topic string
	key   string
	data  []byte
}

type captureProducer struct {
	msgs []published
	err  error
}

func (p *captureProducer) Publish(_ context.Context, topic string, key string, event interface{}) error {
	if p.err != nil {
		return p.err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.msgs = append(p.msgs, published{topic: topic, key: key, data: data})
	return nil
}

func TestCostPublisher_RoundTrip(t *testing.T) {
	producer := &captureProducer{}
	pub := NewCostPublisher(producer, "ai.cost_records", logger.NewNop())

	rec := *testsupport.NewCostRecordFixture().Build()
	rec.ErrorSummary = "openai/gpt: transient (503)\xff overloaded"

	require.NoError(t, pub.PublishCostRecorded(context.Background(), rec))
	require.Len(t, producer.msgs, 1)

	msg := producer.msgs[0]
	assert.Equal(t, "ai.cost_records", msg.topic)
	assert.Equal(t, rec.UserID, msg.key)

	event, err := DecodeCostRecorded(msg.data)
	require.NoError(t, err)
	assert.Equal(t, EventCostRecorded, event.Type)
	assert.Equal(t, rec.ID, event.Record.ID)
	assert.True(t, event.Record.Cost.Equal(rec.Cost))
	assert.Equal(t, "openai/gpt: transient (503) overloaded", event.Record.ErrorSummary)
}

func TestCostPublisher_ProducerError(t *testing.T) {
	pub := NewCostPublisher(&captureProducer{err: errors.ErrUnavailable}, "ai.cost_records", logger.NewNop())

	err := pub.PublishCostRecorded(context.Background(), *testsupport.NewCostRecordFixture().Build())
	assert.ErrorIs(t, err, errors.ErrUnavailable)
}

func TestDecodeCostRecorded_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{name: "not json", payload: "{"},
		{name: "wrong type", payload: `{"type":"other.event","record":{"id":"r1"}}`},
		{name: "missing record id", payload: `{"type":"cost.recorded","record":{}}`},
		{name: "invalid record", payload: `{"type":"cost.recorded","record":{"id":"r1","outcome":"maybe"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCostRecorded([]byte(tt.payload))
			assert.ErrorIs(t, err, errors.ErrInvalidInput)
		})
	}
}
