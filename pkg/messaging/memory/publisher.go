// Package memory provides an in-process publisher that records messages.
package memory

import (
	"context"
	"sync"
)

// Publisher records everything it publishes. It is safe for concurrent use.
type Publisher[T any] struct {
	mu       sync.Mutex
	messages []T
	hook     func(ctx context.Context, msg T) error
	notify   chan T
}

// Option configures a Publisher.
type Option[T any] func(*Publisher[T])

// WithHook runs hook before recording; a non-nil error fails the publish
// and the message is not recorded.
func WithHook[T any](hook func(ctx context.Context, msg T) error) Option[T] {
	return func(p *Publisher[T]) {
		p.hook = hook
	}
}

// WithNotify sends every recorded message on ch. Sends never block; the
// channel must be buffered for the messages a test expects.
func WithNotify[T any](ch chan T) Option[T] {
	return func(p *Publisher[T]) {
		p.notify = ch
	}
}

// NewPublisher creates a recording publisher.
func NewPublisher[T any](opts ...Option[T]) *Publisher[T] {
	p := &Publisher[T]{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish implements messaging.Publisher.
func (p *Publisher[T]) Publish(ctx context.Context, msg T) error {
	if p.hook != nil {
		if err := p.hook(ctx, msg); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.messages = append(p.messages, msg)
	p.mu.Unlock()

	if p.notify != nil {
		select {
		case p.notify <- msg:
		default:
		}
	}
	return nil
}

// Messages returns a copy of the recorded messages in publish order.
func (p *Publisher[T]) Messages() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]T, len(p.messages))
	copy(out, p.messages)
	return out
}

// Len returns the number of recorded messages.
func (p *Publisher[T]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}
