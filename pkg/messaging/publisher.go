// Package messaging defines how the processing core hands messages to
// brokers: persisted event streams, asynchronous handler results and
// publishable exceptions.
package messaging

import (
	"context"

	"github.com/plaenen/eventcore/pkg/domain"
)

// Publisher publishes one kind of message. Implementations return errors
// wrapping domain.ErrIO for failures worth retrying.
type Publisher[T any] interface {
	Publish(ctx context.Context, msg T) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc[T any] func(ctx context.Context, msg T) error

func (f PublisherFunc[T]) Publish(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// Discard returns a publisher that drops everything.
func Discard[T any]() Publisher[T] {
	return PublisherFunc[T](func(context.Context, T) error { return nil })
}

type (
	// EventPublisher publishes persisted event streams.
	EventPublisher = Publisher[*domain.EventStreamMessage]

	// MessagePublisher publishes asynchronous handler results.
	MessagePublisher = Publisher[*domain.ApplicationMessage]

	// ExceptionPublisher publishes publishable exceptions.
	ExceptionPublisher = Publisher[domain.PublishableException]
)
