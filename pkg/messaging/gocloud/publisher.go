// Package gocloud publishes to any Go CDK pubsub topic. The topic driver is
// chosen by URL scheme; import the driver package in your application:
//
//	_ "gocloud.dev/pubsub/mempubsub"  // mem://topic
//	_ "gocloud.dev/pubsub/natspubsub" // nats://subject
//	_ "gocloud.dev/pubsub/awssnssqs"  // awssns:///arn
//	_ "gocloud.dev/pubsub/gcppubsub"  // gcppubsub://projects/p/topics/t
package gocloud

import (
	"context"
	"encoding/json"
	"fmt"

	"gocloud.dev/pubsub"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/messaging"
)

// Metadata keys set on every published message.
const (
	MetadataKind          = "kind"
	MetadataID            = "id"
	MetadataType          = "type"
	MetadataAggregateID   = "aggregate_id"
	MetadataAggregateType = "aggregate_type"
	MetadataVersion       = "version"
)

// Message kinds.
const (
	KindEventStream = "event_stream"
	KindMessage     = "message"
	KindException   = "exception"
)

// Publisher sends JSON bodies to a Go CDK topic.
type Publisher struct {
	topic *pubsub.Topic
}

// OpenPublisher opens the topic at url.
func OpenPublisher(ctx context.Context, url string) (*Publisher, error) {
	if url == "" {
		return nil, fmt.Errorf("topic URL is required")
	}
	topic, err := pubsub.OpenTopic(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open topic: %w", err)
	}
	return &Publisher{topic: topic}, nil
}

// NewPublisher wraps an already opened topic. Close shuts the topic down.
func NewPublisher(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// PublishEvents implements messaging.EventPublisher.
func (p *Publisher) PublishEvents(ctx context.Context, msg *domain.EventStreamMessage) error {
	return p.send(ctx, msg, map[string]string{
		MetadataKind:          KindEventStream,
		MetadataID:            fmt.Sprintf("%s:%d", msg.AggregateID, msg.Version),
		MetadataAggregateID:   msg.AggregateID,
		MetadataAggregateType: msg.AggregateType,
		MetadataVersion:       fmt.Sprint(msg.Version),
	})
}

// PublishMessage implements messaging.MessagePublisher.
func (p *Publisher) PublishMessage(ctx context.Context, msg *domain.ApplicationMessage) error {
	return p.send(ctx, msg, map[string]string{
		MetadataKind: KindMessage,
		MetadataID:   msg.ID,
		MetadataType: msg.Type,
	})
}

// PublishException implements messaging.ExceptionPublisher.
func (p *Publisher) PublishException(ctx context.Context, ex domain.PublishableException) error {
	msg := domain.NewExceptionMessage(ex)
	return p.send(ctx, msg, map[string]string{
		MetadataKind: KindException,
		MetadataID:   msg.ID,
		MetadataType: msg.Type,
	})
}

// Events returns the publisher as a messaging.EventPublisher.
func (p *Publisher) Events() messaging.EventPublisher {
	return messaging.PublisherFunc[*domain.EventStreamMessage](p.PublishEvents)
}

// Messages returns the publisher as a messaging.MessagePublisher.
func (p *Publisher) Messages() messaging.MessagePublisher {
	return messaging.PublisherFunc[*domain.ApplicationMessage](p.PublishMessage)
}

// Exceptions returns the publisher as a messaging.ExceptionPublisher.
func (p *Publisher) Exceptions() messaging.ExceptionPublisher {
	return messaging.PublisherFunc[domain.PublishableException](p.PublishException)
}

func (p *Publisher) send(ctx context.Context, v any, metadata map[string]string) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize %s %s: %w", metadata[MetadataKind], metadata[MetadataID], err)
	}
	if err := p.topic.Send(ctx, &pubsub.Message{Body: body, Metadata: metadata}); err != nil {
		return domain.NewIOError("topic send", err)
	}
	return nil
}

// Close flushes pending messages and closes the topic.
func (p *Publisher) Close(ctx context.Context) error {
	return p.topic.Shutdown(ctx)
}
