// README: Kafka publisher emitting request lifecycle events keyed by request id.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"roadside/internal/modules/request"
	"roadside/internal/types"
)

const EventOffersCreated = "offers_created"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
	now    func() time.Time
}

// LifecycleEvent is the payload published for every offer batch and transition.
type LifecycleEvent struct {
	Type               string                `json:"type"`
	RequestID          types.ID              `json:"request_id"`
	RequesterID        types.ID              `json:"requester_id"`
	Category           types.Category        `json:"category"`
	Status             request.Status        `json:"status"`
	StatusVersion      int                   `json:"status_version"`
	AssignedProviderID *types.ID             `json:"assigned_provider_id,omitempty"`
	ProviderIDs        []types.ID            `json:"provider_ids,omitempty"`
	RejectReason       *request.RejectReason `json:"reject_reason,omitempty"`
	OccurredAt         time.Time             `json:"occurred_at"`
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 20 * time.Millisecond,
		},
		now: time.Now,
	}
}

func (p *KafkaPublisher) NotifyProviders(ctx context.Context, r *request.ServiceRequest, providerIDs []types.ID) error {
	ev := p.event(EventOffersCreated, r)
	ev.ProviderIDs = providerIDs
	return p.publish(ctx, ev)
}

func (p *KafkaPublisher) NotifyRequester(ctx context.Context, r *request.ServiceRequest, e request.Event) error {
	return p.publish(ctx, p.event(string(e), r))
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func (p *KafkaPublisher) event(kind string, r *request.ServiceRequest) LifecycleEvent {
	return LifecycleEvent{
		Type:               kind,
		RequestID:          r.ID,
		RequesterID:        r.RequesterID,
		Category:           r.Category,
		Status:             r.Status,
		StatusVersion:      r.StatusVersion,
		AssignedProviderID: r.AssignedProviderID,
		RejectReason:       r.RejectReason,
		OccurredAt:         p.now().UTC(),
	}
}

func (p *KafkaPublisher) publish(ctx context.Context, ev LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RequestID), Value: data}); err != nil {
		return fmt.Errorf("publish %s for request %s: %w", ev.Type, ev.RequestID, err)
	}
	return nil
}

// EnsureTopic creates topic on the first broker if it does not exist yet.
func EnsureTopic(ctx context.Context, brokers []string, topic string, partitions int) error {
	if len(brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("kafka dial: %w", err)
	}
	defer conn.Close()
	return conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	})
}
