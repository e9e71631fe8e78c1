// Package events publishes billing events for downstream consumers: faults
// that need a backfill and usage that was reconciled.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DefaultFaultTopic = "billing.faults"
	DefaultUsageTopic = "billing.usage"
)

// BillingFault carries enough context to reconstruct a missed charge.
type BillingFault struct {
	Op         string    `json:"op"`
	Error      string    `json:"error"`
	RequestID  string    `json:"request_id"`
	AccountID  string    `json:"account_id"`
	OrgID      string    `json:"org_id,omitempty"`
	CostClass  string    `json:"cost_class,omitempty"`
	Estimate   string    `json:"estimate,omitempty"`
	Charge     string    `json:"charge,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Model      string    `json:"model,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type UsageReconciled struct {
	RequestID    string    `json:"request_id"`
	UsageID      string    `json:"usage_id"`
	AccountID    string    `json:"account_id"`
	OrgID        string    `json:"org_id,omitempty"`
	Charged      string    `json:"charged"`
	Remaining    string    `json:"remaining"`
	Source       string    `json:"source"`
	Provider     string    `json:"provider,omitempty"`
	Model        string    `json:"model,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher is what the metering gateway needs from an event sink.
type Publisher interface {
	PublishFault(ctx context.Context, f BillingFault) error
	PublishUsage(ctx context.Context, u UsageReconciled) error
}

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer     messageWriter
	faultTopic string
	usageTopic string
}

// NewKafkaPublisher writes asynchronously so publishing never holds up the
// request path. The topic is set per message.
func NewKafkaPublisher(brokers []string, faultTopic, usageTopic string) *KafkaPublisher {
	if faultTopic == "" {
		faultTopic = DefaultFaultTopic
	}
	if usageTopic == "" {
		usageTopic = DefaultUsageTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.LeastBytes{},
			Async:                  true,
			AllowAutoTopicCreation: true,
		},
		faultTopic: faultTopic,
		usageTopic: usageTopic,
	}
}

func (p *KafkaPublisher) PublishFault(ctx context.Context, f BillingFault) error {
	if f.OccurredAt.IsZero() {
		f.OccurredAt = time.Now().UTC()
	}
	return p.publish(ctx, p.faultTopic, f.RequestID, f)
}

func (p *KafkaPublisher) PublishUsage(ctx context.Context, u UsageReconciled) error {
	if u.OccurredAt.IsZero() {
		u.OccurredAt = time.Now().UTC()
	}
	return p.publish(ctx, p.usageTopic, u.AccountID, u)
}

func (p *KafkaPublisher) publish(ctx context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Discard drops every event. Used when no brokers are configured.
type Discard struct{}

func (Discard) PublishFault(context.Context, BillingFault) error    { return nil }
func (Discard) PublishUsage(context.Context, UsageReconciled) error { return nil }
