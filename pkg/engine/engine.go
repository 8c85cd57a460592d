// Package engine assembles the processing core: aggregate cache, command
// mailboxes and pipeline, event commit pipeline and publishers. Submit is its
// entry point.
package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"

	"github.com/plaenen/eventcore/pkg/cache"
	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/config"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/eventing"
	"github.com/plaenen/eventcore/pkg/messaging"
	"github.com/plaenen/eventcore/pkg/middleware"
	"github.com/plaenen/eventcore/pkg/observability"
	"github.com/plaenen/eventcore/pkg/retry"
	"github.com/plaenen/eventcore/pkg/store"
)

// Engine processes commands against event-sourced aggregates.
type Engine struct {
	cfg    config.Config
	ctx    context.Context
	cancel context.CancelFunc

	eventStore   store.EventStore
	commandStore store.CommandStore
	storage      *store.EventSourcedStorage
	cache        *cache.MemoryCache

	handlers      *commanding.Registry[commanding.CommandHandler]
	middleware    []middleware.Middleware
	asyncHandlers *commanding.Registry[commanding.AsyncCommandHandler]
	processor     *commanding.Processor
	pipeline      *commanding.Handler
	events        *eventing.Service
	retry         *retry.Executor

	eventPublisher     messaging.EventPublisher
	messagePublisher   messaging.MessagePublisher
	exceptionPublisher messaging.ExceptionPublisher

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer
	closers []io.Closer

	closed    atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithCommandStore enables asynchronous command handlers.
func WithCommandStore(s store.CommandStore) Option {
	return func(e *Engine) {
		e.commandStore = s
	}
}

// WithEventPublisher sets where persisted event streams are published.
func WithEventPublisher(p messaging.EventPublisher) Option {
	return func(e *Engine) {
		e.eventPublisher = p
	}
}

// WithMessagePublisher sets where asynchronous handler results are published.
func WithMessagePublisher(p messaging.MessagePublisher) Option {
	return func(e *Engine) {
		e.messagePublisher = p
	}
}

// WithExceptionPublisher sets where publishable exceptions are published.
func WithExceptionPublisher(p messaging.ExceptionPublisher) Option {
	return func(e *Engine) {
		e.exceptionPublisher = p
	}
}

// WithTelemetry records metrics and spans through tel.
func WithTelemetry(tel *observability.Telemetry) Option {
	return func(e *Engine) {
		e.metrics = tel.Metrics
		e.tracer = tel.Tracer()
	}
}

// WithMetrics records metrics through m.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer traces submissions and event store calls.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = t
	}
}

// WithHandlerMiddleware wraps every synchronous handler registered afterwards.
// The first middleware runs outermost.
func WithHandlerMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) {
		e.middleware = append(e.middleware, mws...)
	}
}

// WithCloser registers a resource closed by Close, after the engine stops.
// Closers run in reverse registration order.
func WithCloser(c io.Closer) Option {
	return func(e *Engine) {
		e.closers = append(e.closers, c)
	}
}

// New builds an engine over eventStore.
func New(cfg config.Config, eventStore store.EventStore, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:                cfg,
		ctx:                ctx,
		cancel:             cancel,
		handlers:           commanding.NewRegistry[commanding.CommandHandler](),
		asyncHandlers:      commanding.NewRegistry[commanding.AsyncCommandHandler](),
		eventPublisher:     messaging.Discard[*domain.EventStreamMessage](),
		messagePublisher:   messaging.Discard[*domain.ApplicationMessage](),
		exceptionPublisher: messaging.Discard[domain.PublishableException](),
		logger:             slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.tracer != nil {
		eventStore = observability.NewTracedEventStore(eventStore, e.tracer)
	} else {
		e.tracer = noop.NewTracerProvider().Tracer(observability.InstrumentationName)
	}
	e.eventStore = eventStore

	e.retry = retry.New(
		retry.WithConfig(cfg.Retry()),
		retry.WithLogger(e.logger),
		retry.WithObserver(func(ctx context.Context, op string, _ int, _ error) {
			e.metrics.RecordRetry(ctx, op)
		}),
	)

	e.storage = store.NewEventSourcedStorage(eventStore)
	e.cache = cache.New(e.storage, cache.WithLogger(e.logger))

	e.events = eventing.NewService(eventStore, e.cache,
		eventing.WithContext(ctx),
		eventing.WithLogger(e.logger),
		eventing.WithMetrics(e.metrics),
		eventing.WithBatchSize(cfg.EventMailboxBatchSize),
		eventing.WithRetryExecutor(e.retry),
		eventing.WithPublisher(e.eventPublisher),
	)

	handlerOpts := []commanding.HandlerOption{
		commanding.WithContext(ctx),
		commanding.WithCommandHandlers(e.handlers),
		commanding.WithAsyncCommandHandlers(e.asyncHandlers),
		commanding.WithMessagePublisher(e.messagePublisher),
		commanding.WithExceptionPublisher(e.exceptionPublisher),
		commanding.WithRetryExecutor(e.retry),
		commanding.WithHandlerLogger(e.logger),
	}
	if e.commandStore != nil {
		handlerOpts = append(handlerOpts, commanding.WithCommandStore(e.commandStore))
	}
	e.pipeline = commanding.NewHandler(e.cache, eventStore, e.events, handlerOpts...)
	e.processor = commanding.NewProcessor(e.pipeline, e.logger)

	return e, nil
}

// RegisterAggregate makes an aggregate type loadable. Panics on a duplicate type.
func (e *Engine) RegisterAggregate(aggregateType string, factory domain.AggregateFactory) {
	e.storage.Register(aggregateType, factory)
}

// RegisterHandler binds synchronous handlers to a command type. Registering
// a command type twice makes its commands fail at dispatch.
func (e *Engine) RegisterHandler(commandType string, handlers ...commanding.CommandHandler) {
	wrapped := make([]commanding.CommandHandler, len(handlers))
	for i, h := range handlers {
		wrapped[i] = middleware.Chain(h, e.middleware...)
	}
	e.handlers.Register(commandType, wrapped...)
}

// RegisterHandlerFunc binds a function as the handler of a command type.
func (e *Engine) RegisterHandlerFunc(commandType string, fn func(ctx commanding.CommandContext, cmd domain.Command) error) {
	e.RegisterHandler(commandType, commanding.CommandHandlerFunc(fn))
}

// RegisterAsyncHandler binds asynchronous handlers to a command type.
func (e *Engine) RegisterAsyncHandler(commandType string, handlers ...commanding.AsyncCommandHandler) {
	e.asyncHandlers.Register(commandType, handlers...)
}

// NewAggregate creates an empty aggregate of a registered type, for handlers
// that create aggregates.
func (e *Engine) NewAggregate(aggregateType, id string) (domain.Aggregate, error) {
	return e.storage.New(aggregateType, id)
}

// Load returns the current state of an aggregate, or nil if it has no history.
func (e *Engine) Load(ctx context.Context, aggregateType, id string) (domain.Aggregate, error) {
	return e.storage.Get(ctx, aggregateType, id)
}

// EventStore returns the event store the engine writes to.
func (e *Engine) EventStore() store.EventStore {
	return e.eventStore
}

// Cache returns the aggregate cache.
func (e *Engine) Cache() *cache.MemoryCache {
	return e.cache
}

// ResumeAggregate lifts the halt of an aggregate whose store state could not
// be reconciled. Returns false when the aggregate is not halted.
func (e *Engine) ResumeAggregate(aggregateID string) bool {
	return e.events.ResumeAggregate(aggregateID)
}

// Name implements runner.Service.
func (e *Engine) Name() string {
	return "engine"
}

// Start begins the periodic eviction of inactive aggregates. It implements
// runner.Service; Submit works without it.
func (e *Engine) Start(context.Context) error {
	if e.closed.Load() {
		return domain.ErrEngineClosed
	}
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.scanInactive()
	})
	return nil
}

// Stop implements runner.Service.
func (e *Engine) Stop(context.Context) error {
	return e.Close()
}

// Close stops retries and background work, fails later submissions with
// domain.ErrEngineClosed and closes registered resources. Commands still in
// flight are not completed; their waiters return ErrEngineClosed.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		e.wg.Wait()

		for i := len(e.closers) - 1; i >= 0; i-- {
			e.closeErr = multierr.Append(e.closeErr, e.closers[i].Close())
		}
		e.logger.Info("engine closed")
	})
	return e.closeErr
}

func (e *Engine) scanInactive() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.ScanInactiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.CleanInactive()
		}
	}
}

// CleanInactive removes aggregates, command mailboxes and event mailboxes
// idle for longer than the configured AggregateMaxInactive.
func (e *Engine) CleanInactive() {
	maxInactive := e.cfg.AggregateMaxInactive
	e.cache.EvictInactive(maxInactive)
	e.processor.CleanInactiveMailboxes(maxInactive)
	e.events.CleanInactiveMailboxes(maxInactive)
}
