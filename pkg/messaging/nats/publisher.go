// Package nats publishes event streams, application messages and exceptions
// to NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/idgen"
	"github.com/plaenen/eventcore/pkg/messaging"
)

// Config holds the JetStream settings.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream capturing every published subject.
	StreamName string

	// SubjectPrefix is the first token of every subject.
	SubjectPrefix string

	// Retention decides when the broker drops messages.
	Retention nats.RetentionPolicy

	// Storage selects file or memory storage.
	Storage nats.StorageType

	// MaxAge is how long to retain messages.
	MaxAge time.Duration

	// MaxBytes is the maximum size of the stream.
	MaxBytes int64

	// DuplicateWindow is how long the broker remembers message ids. A stream
	// republished inside the window is dropped by the broker.
	DuplicateWindow time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:             nats.DefaultURL,
		StreamName:      "EVENTCORE",
		SubjectPrefix:   "eventcore",
		Retention:       nats.LimitsPolicy,
		Storage:         nats.FileStorage,
		MaxAge:          7 * 24 * time.Hour,
		MaxBytes:        1024 * 1024 * 1024,
		DuplicateWindow: 2 * time.Minute,
	}
}

// Publisher publishes to JetStream. Every message carries a Nats-Msg-Id, so
// retried publications are deduplicated by the broker.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger *slog.Logger

	connectOptions []nats.Option

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithConnectOptions adds options to the NATS connection, such as the
// credentials from credentials.ConnectOptions.
func WithConnectOptions(opts ...nats.Option) Option {
	return func(p *Publisher) {
		p.connectOptions = append(p.connectOptions, opts...)
	}
}

// NewPublisher connects to NATS and creates or updates the stream.
func NewPublisher(config Config, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		config: config,
		logger: slog.Default(),
		subs:   make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(p)
	}

	nc, err := nats.Connect(config.URL, append([]nats.Option{nats.Name("eventcore")}, p.connectOptions...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	p.nc = nc
	p.js = js

	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:       p.config.StreamName,
		Subjects:   []string{p.config.SubjectPrefix + ".>"},
		Retention:  p.config.Retention,
		MaxAge:     p.config.MaxAge,
		MaxBytes:   p.config.MaxBytes,
		Storage:    p.config.Storage,
		Duplicates: p.config.DuplicateWindow,
		Replicas:   1,
	}

	info, err := p.js.StreamInfo(p.config.StreamName)
	if err != nil {
		if _, err := p.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if info.Config.MaxAge != p.config.MaxAge || info.Config.MaxBytes != p.config.MaxBytes ||
		info.Config.Duplicates != p.config.DuplicateWindow {
		if _, err := p.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// EventSubject returns the subject of an aggregate's event streams.
func (p *Publisher) EventSubject(aggregateType, aggregateID string) string {
	return fmt.Sprintf("%s.events.%s.%s", p.config.SubjectPrefix, token(aggregateType), token(aggregateID))
}

// MessageSubject returns the subject of application messages of a type.
func (p *Publisher) MessageSubject(messageType string) string {
	return fmt.Sprintf("%s.messages.%s", p.config.SubjectPrefix, token(messageType))
}

// ExceptionSubject returns the subject of exceptions of a type.
func (p *Publisher) ExceptionSubject(exceptionType string) string {
	return fmt.Sprintf("%s.exceptions.%s", p.config.SubjectPrefix, token(exceptionType))
}

// token makes s usable as a single subject token.
func token(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// PublishEvents implements messaging.EventPublisher.
func (p *Publisher) PublishEvents(ctx context.Context, msg *domain.EventStreamMessage) error {
	msgID := fmt.Sprintf("%s:%d", msg.AggregateID, msg.Version)
	return p.publish(ctx, p.EventSubject(msg.AggregateType, msg.AggregateID), msgID, msg)
}

// PublishMessage implements messaging.MessagePublisher.
func (p *Publisher) PublishMessage(ctx context.Context, msg *domain.ApplicationMessage) error {
	return p.publish(ctx, p.MessageSubject(msg.Type), msg.ID, msg)
}

// PublishException implements messaging.ExceptionPublisher.
func (p *Publisher) PublishException(ctx context.Context, ex domain.PublishableException) error {
	msg := domain.NewExceptionMessage(ex)
	return p.publish(ctx, p.ExceptionSubject(msg.Type), msg.ID, msg)
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

func (p *Publisher) publish(ctx context.Context, subject, msgID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to serialize message %s: %w", msgID, err)
	}

	ack, err := p.js.Publish(subject, data, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return domain.NewIOError("nats publish "+subject, err)
	}
	if ack.Duplicate {
		p.logger.Debug("broker dropped duplicate publication", "subject", subject, "msg_id", msgID)
	}
	return nil
}

// Handler processes one delivered message. Returning an error redelivers it.
type Handler[T any] func(ctx context.Context, msg T) error

// Subscription is an active durable consumer.
type Subscription struct {
	publisher *Publisher
	sub       *nats.Subscription
	name      string
}

// Unsubscribe stops the consumer.
func (s *Subscription) Unsubscribe() error {
	s.publisher.mu.Lock()
	delete(s.publisher.subs, s.name)
	s.publisher.mu.Unlock()
	return s.sub.Unsubscribe()
}

// SubscribeEvents consumes event streams matching subject, which defaults to
// every event subject.
func (p *Publisher) SubscribeEvents(subject string, handler Handler[*domain.EventStreamMessage]) (*Subscription, error) {
	if subject == "" {
		subject = p.config.SubjectPrefix + ".events.>"
	}
	return subscribe(p, subject, handler)
}

// SubscribeMessages consumes application messages matching subject.
func (p *Publisher) SubscribeMessages(subject string, handler Handler[*domain.ApplicationMessage]) (*Subscription, error) {
	if subject == "" {
		subject = p.config.SubjectPrefix + ".messages.>"
	}
	return subscribe(p, subject, handler)
}

// SubscribeExceptions consumes exceptions matching subject.
func (p *Publisher) SubscribeExceptions(subject string, handler Handler[*domain.ExceptionMessage]) (*Subscription, error) {
	if subject == "" {
		subject = p.config.SubjectPrefix + ".exceptions.>"
	}
	return subscribe(p, subject, handler)
}

func subscribe[T any](p *Publisher, subject string, handler Handler[*T]) (*Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := "consumer_" + idgen.MustGenerateSortableID()
	sub, err := p.js.QueueSubscribe(
		subject,
		name,
		func(m *nats.Msg) {
			msg := new(T)
			if err := json.Unmarshal(m.Data, msg); err != nil {
				p.logger.Error("dropping undecodable message", "subject", m.Subject, "error", err)
				_ = m.Term()
				return
			}
			if err := handler(context.Background(), msg); err != nil {
				p.logger.Warn("message handler failed, redelivering", "subject", m.Subject, "error", err)
				_ = m.Nak()
				return
			}
			_ = m.Ack()
		},
		nats.Durable(name),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	p.subs[name] = sub
	return &Subscription{publisher: p, sub: sub, name: name}, nil
}

// IsConnected reports whether the connection to the server is up.
func (p *Publisher) IsConnected() bool {
	return p.nc.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, sub := range p.subs {
		_ = sub.Unsubscribe()
		delete(p.subs, name)
	}
	p.nc.Close()
	return nil
}
