package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaPublisher_PublishFault(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, faultTopic: "faults", usageTopic: "usage"}

	err := p.PublishFault(context.Background(), BillingFault{
		Op:        "reconcile",
		Error:     "connection refused",
		RequestID: "req-1",
		AccountID: "alice",
		Estimate:  "9",
	})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "faults", msg.Topic)
	assert.Equal(t, "req-1", string(msg.Key))

	var got BillingFault
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "reconcile", got.Op)
	assert.Equal(t, "9", got.Estimate)
	assert.False(t, got.OccurredAt.IsZero())
}

func TestKafkaPublisher_PublishUsageKeyedByAccount(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, faultTopic: "faults", usageTopic: "usage"}

	require.NoError(t, p.PublishUsage(context.Background(), UsageReconciled{RequestID: "req-1", AccountID: "alice", Charged: "7.2"}))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "usage", w.msgs[0].Topic)
	assert.Equal(t, "alice", string(w.msgs[0].Key))
}

func TestKafkaPublisher_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := &KafkaPublisher{writer: &fakeWriter{err: boom}, faultTopic: "faults", usageTopic: "usage"}

	err := p.PublishFault(context.Background(), BillingFault{RequestID: "req-1"})
	assert.ErrorIs(t, err, boom)
}

func TestNewKafkaPublisher_DefaultTopics(t *testing.T) {
	p := NewKafkaPublisher([]string{"localhost:9092"}, "", "")
	assert.Equal(t, DefaultFaultTopic, p.faultTopic)
	assert.Equal(t, DefaultUsageTopic, p.usageTopic)
	assert.NoError(t, p.Close())
}
