// Package embeddednats runs the in-process NATS server as a runner.Service.
package embeddednats

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/eventcore/pkg/infrastructure/nats"
	"github.com/plaenen/eventcore/pkg/observability"
	"github.com/plaenen/eventcore/pkg/runner"
)

// Service owns an embedded NATS server. Start it before any service that
// connects to URL.
type Service struct {
	server      *nats.EmbeddedServer
	logger      runner.Logger
	tracer      trace.Tracer
	natsOptions []nats.Option
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger runner.Logger) Option {
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

// WithNATSOptions sets the options passed to nats.StartEmbeddedServer.
func WithNATSOptions(opts ...nats.Option) Option {
	return func(s *Service) {
		s.natsOptions = opts
	}
}

// New creates the service. The server starts in Start.
func New(opts ...Option) *Service {
	s := &Service{
		logger: runner.NewNoopLogger(),
		tracer: noop.NewTracerProvider().Tracer("embeddednats"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements runner.Service.
func (s *Service) Name() string {
	return "embedded-nats"
}

// Start starts the server and waits until it accepts connections.
func (s *Service) Start(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "embeddednats.Start")
	defer span.End()

	srv, err := nats.StartEmbeddedServer(s.natsOptions...)
	if err != nil {
		observability.SetSpanError(ctx, err)
		s.logger.Error("failed to start embedded NATS", "error", err)
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	s.server = srv

	span.SetAttributes(attribute.String("nats.url", srv.URL()))
	s.logger.Info("embedded NATS server started", "url", srv.URL())
	return nil
}

// Stop shuts the server down.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "embeddednats.Stop")
	defer span.End()

	if s.server != nil {
		s.server.Shutdown()
		s.logger.Info("embedded NATS server stopped")
	}
	return nil
}

// HealthCheck connects to the server.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "embeddednats.HealthCheck")
	defer span.End()

	if s.server == nil {
		err := fmt.Errorf("nats server not started")
		observability.SetSpanError(ctx, err)
		return err
	}

	nc, err := s.server.Connect()
	if err != nil {
		observability.SetSpanError(ctx, err)
		return fmt.Errorf("nats server not responsive: %w", err)
	}
	nc.Close()
	return nil
}

// URL returns the client URL. Empty before Start.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

var (
	_ runner.Service       = (*Service)(nil)
	_ runner.HealthChecker = (*Service)(nil)
)
