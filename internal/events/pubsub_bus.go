package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and additionally publishes every event
// to a Google Cloud Pub/Sub topic for durable, cross-service delivery.
// In-memory subscribers (websocket push, webhook dispatcher) still get the
// immediate fan-out; Pub/Sub consumers get at-least-once delivery with
// per-tenant ordering.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects to the topic, creating it if absent.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
	}

	// Ordering key is the tenant ID, so each tenant's events arrive in
	// emit order.
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[PubSub] ", log.LstdFlags),
	}
	bus.logger.Printf("connected to projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit builds the event, publishes it to Pub/Sub and fans out in-memory.
func (pb *PubSubBus) Emit(eventType, source, tenantID string, data map[string]any) {
	event := NewEvent(eventType, source, tenantID, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

// publish sends one envelope to Pub/Sub. Attributes mirror the CloudEvents
// metadata for server-side filtering.
func (pb *PubSubBus) publish(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("marshal event %s failed: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-tenantid":    event.TenantID,
		},
		OrderingKey: event.TenantID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Check the server ack off the hot path.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("publish %s (%s) failed: %v", event.ID, event.Type, err)
		}
	}()
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("pubsub topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("pubsub topic %s does not exist", pb.topic.String())
	}
	return nil
}

// Close stops the publisher and releases the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
