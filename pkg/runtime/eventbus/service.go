// Package eventbus runs the JetStream publisher as a runner.Service and hands
// the engine publishers that follow its lifecycle.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/messaging"
	natsmsg "github.com/plaenen/eventcore/pkg/messaging/nats"
	"github.com/plaenen/eventcore/pkg/observability"
	"github.com/plaenen/eventcore/pkg/runner"
	"github.com/plaenen/eventcore/pkg/security/credentials"
)

// ErrNotStarted is the cause of publications attempted while the service is
// not running. It is wrapped as an I/O error, so the engine retries them.
var ErrNotStarted = errors.New("event bus not started")

// Service connects the JetStream publisher on Start and closes it on Stop.
type Service struct {
	config natsmsg.Config
	url    func() string
	logger *slog.Logger
	tracer trace.Tracer
	creds  credentials.Provider

	mu        sync.RWMutex
	publisher *natsmsg.Publisher
}

// Option configures the service.
type Option func(*Service)

// WithConfig sets the JetStream configuration.
func WithConfig(config natsmsg.Config) Option {
	return func(s *Service) {
		s.config = config
	}
}

// WithURL resolves the server URL at Start, overriding the configured one.
// Use it to follow a server started by an earlier service.
func WithURL(url func() string) Option {
	return func(s *Service) {
		s.url = url
	}
}

// WithCredentials authenticates the connection with credentials fetched from
// p at every Start.
func WithCredentials(p credentials.Provider) Option {
	return func(s *Service) {
		s.creds = p
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// New creates the service.
func New(opts ...Option) *Service {
	s := &Service{
		config: natsmsg.DefaultConfig(),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("eventbus"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements runner.Service.
func (s *Service) Name() string {
	return "eventbus"
}

// Start connects to NATS and ensures the stream.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.Start")
	defer span.End()

	config := s.config
	if s.url != nil {
		config.URL = s.url()
	}

	opts := []natsmsg.Option{natsmsg.WithLogger(s.logger)}
	if s.creds != nil {
		connectOpts, err := credentials.ConnectOptions(ctx, s.creds)
		if err != nil {
			observability.SetSpanError(ctx, err)
			return fmt.Errorf("failed to get event bus credentials: %w", err)
		}
		opts = append(opts, natsmsg.WithConnectOptions(connectOpts...))
	}

	publisher, err := natsmsg.NewPublisher(config, opts...)
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("failed to create event bus: %w", err)
	}

	s.mu.Lock()
	s.publisher = publisher
	s.mu.Unlock()

	span.SetAttributes(
		attribute.String("nats.url", config.URL),
		attribute.String("stream.name", config.StreamName),
	)
	s.logger.Info("eventbus service started", "url", config.URL, "stream", config.StreamName)
	return nil
}

// Stop closes the publisher. Publications made afterwards fail with
// ErrNotStarted.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "eventbus.Stop")
	defer span.End()

	s.mu.Lock()
	publisher := s.publisher
	s.publisher = nil
	s.mu.Unlock()

	if publisher == nil {
		return nil
	}
	if err := publisher.Close(); err != nil {
		return fmt.Errorf("failed to close event bus: %w", err)
	}
	s.logger.Info("eventbus service stopped")
	return nil
}

// HealthCheck reports whether the connection is up.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "eventbus.HealthCheck")
	defer span.End()

	publisher := s.Publisher()
	if publisher == nil {
		observability.SetSpanError(ctx, ErrNotStarted)
		return ErrNotStarted
	}
	if !publisher.IsConnected() {
		err := fmt.Errorf("event bus disconnected")
		observability.SetSpanError(ctx, err)
		return err
	}
	return nil
}

// Publisher returns the running publisher, or nil.
func (s *Service) Publisher() *natsmsg.Publisher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publisher
}

func (s *Service) running() (*natsmsg.Publisher, error) {
	if p := s.Publisher(); p != nil {
		return p, nil
	}
	return nil, domain.NewIOError("eventbus", ErrNotStarted)
}

// Events returns an event publisher usable before Start.
func (s *Service) Events() messaging.EventPublisher {
	return messaging.PublisherFunc[*domain.EventStreamMessage](func(ctx context.Context, msg *domain.EventStreamMessage) error {
		p, err := s.running()
		if err != nil {
			return err
		}
		return p.PublishEvents(ctx, msg)
	})
}

// Messages returns an application message publisher usable before Start.
func (s *Service) Messages() messaging.MessagePublisher {
	return messaging.PublisherFunc[*domain.ApplicationMessage](func(ctx context.Context, msg *domain.ApplicationMessage) error {
		p, err := s.running()
		if err != nil {
			return err
		}
		return p.PublishMessage(ctx, msg)
	})
}

// Exceptions returns an exception publisher usable before Start.
func (s *Service) Exceptions() messaging.ExceptionPublisher {
	return messaging.PublisherFunc[domain.PublishableException](func(ctx context.Context, ex domain.PublishableException) error {
		p, err := s.running()
		if err != nil {
			return err
		}
		return p.PublishException(ctx, ex)
	})
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
