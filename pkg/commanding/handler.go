package commanding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"google.golang.org/protobuf/encoding/protojson"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/messaging"
	"github.com/plaenen/eventcore/pkg/retry"
	"github.com/plaenen/eventcore/pkg/store"
)

// EventService receives the event streams produced by commands.
// eventing.Service implements it.
type EventService interface {
	// CommitDomainEvent queues the stream for persistence, updates the cache
	// and frees the command's mailbox for its next command.
	CommitDomainEvent(pc *ProcessingCommand, agg domain.Aggregate, stream *domain.EventStream)

	// PublishDomainEvent publishes an already persisted stream and completes
	// the command once it is out.
	PublishDomainEvent(pc *ProcessingCommand, stream *domain.EventStream)
}

// Handler is the command processing pipeline.
type Handler struct {
	ctx           context.Context
	handlers      HandlerProvider[CommandHandler]
	asyncHandlers HandlerProvider[AsyncCommandHandler]
	loader        AggregateLoader
	eventStore    store.EventStore
	commandStore  store.CommandStore
	events        EventService
	messages      messaging.MessagePublisher
	exceptions    messaging.ExceptionPublisher
	retry         *retry.Executor
	logger        *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithContext sets the runtime context passed to handlers and retries.
func WithContext(ctx context.Context) HandlerOption {
	return func(h *Handler) {
		h.ctx = ctx
	}
}

// WithCommandHandlers sets the synchronous handler provider.
func WithCommandHandlers(p HandlerProvider[CommandHandler]) HandlerOption {
	return func(h *Handler) {
		h.handlers = p
	}
}

// WithAsyncCommandHandlers sets the asynchronous handler provider.
func WithAsyncCommandHandlers(p HandlerProvider[AsyncCommandHandler]) HandlerOption {
	return func(h *Handler) {
		h.asyncHandlers = p
	}
}

// WithCommandStore sets the store used by asynchronous handlers.
func WithCommandStore(s store.CommandStore) HandlerOption {
	return func(h *Handler) {
		h.commandStore = s
	}
}

// WithMessagePublisher sets the publisher of asynchronous handler results.
func WithMessagePublisher(p messaging.MessagePublisher) HandlerOption {
	return func(h *Handler) {
		h.messages = p
	}
}

// WithExceptionPublisher sets the publisher of publishable exceptions.
func WithExceptionPublisher(p messaging.ExceptionPublisher) HandlerOption {
	return func(h *Handler) {
		h.exceptions = p
	}
}

// WithRetryExecutor sets the executor for store and publisher calls.
func WithRetryExecutor(e *retry.Executor) HandlerOption {
	return func(h *Handler) {
		h.retry = e
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// NewHandler creates the pipeline. loader is normally the aggregate cache.
func NewHandler(loader AggregateLoader, eventStore store.EventStore, events EventService, opts ...HandlerOption) *Handler {
	h := &Handler{
		ctx:        context.Background(),
		loader:     loader,
		eventStore: eventStore,
		events:     events,
		messages:   messaging.Discard[*domain.ApplicationMessage](),
		exceptions: messaging.Discard[domain.PublishableException](),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.retry == nil {
		h.retry = retry.New(retry.WithLogger(h.logger))
	}
	return h
}

// Handle implements MessageHandler.
func (h *Handler) Handle(pc *ProcessingCommand) {
	cmd := pc.Message
	if cmd.AggregateID() == "" {
		h.completeCommand(pc, domain.CommandStatusFailed, fmt.Sprintf(
			"The aggregateId of command cannot be null or empty, command type: %s, id: %s",
			cmd.CommandType(), cmd.ID()), domain.ResultTypeString)
		return
	}

	pc.Context = NewExecutionContext(h.ctx, cmd.ID(), cmd.AggregateID(), h.loader)

	handler, found := lookup(h.handlers, cmd.CommandType())
	switch found {
	case lookupFound:
		h.handleCommand(pc, handler)
		return
	case lookupTooManyHandlerData:
		h.failLookup(pc, "More than one command handler data found")
		return
	case lookupTooManyHandlers:
		h.failLookup(pc, "More than one command handler found")
		return
	}

	asyncHandler, found := lookup(h.asyncHandlers, cmd.CommandType())
	switch found {
	case lookupFound:
		h.handleAsyncCommand(pc, asyncHandler)
	case lookupTooManyHandlerData:
		h.failLookup(pc, "More than one async command handler data found")
	case lookupTooManyHandlers:
		h.failLookup(pc, "More than one async command handler found")
	default:
		h.failLookup(pc, "No command handler found")
	}
}

func (h *Handler) failLookup(pc *ProcessingCommand, reason string) {
	cmd := pc.Message
	msg := fmt.Sprintf("%s, commandType: %s, commandId: %s", reason, cmd.CommandType(), cmd.ID())
	h.logger.Error(msg, "aggregate_id", cmd.AggregateID())
	h.completeCommand(pc, domain.CommandStatusFailed, msg, domain.ResultTypeString)
}

func (h *Handler) handleCommand(pc *ProcessingCommand, handler CommandHandler) {
	if err := invoke(pc, handler); err != nil {
		h.handleException(pc, err)
		return
	}
	h.commitAggregateChanges(pc)
}

func invoke(pc *ProcessingCommand, handler CommandHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command handler panicked: %v", r)
		}
	}()
	return handler.Handle(pc.Context, pc.Message)
}

func (h *Handler) commitAggregateChanges(pc *ProcessingCommand) {
	cmd := pc.Message
	var dirty []domain.Aggregate
	for _, agg := range pc.Context.TrackedAggregates() {
		if domain.HasChanges(agg) {
			dirty = append(dirty, agg)
		}
	}

	switch len(dirty) {
	case 0:
		h.completeCommand(pc, domain.CommandStatusNothingChanged, pc.Context.Result(), domain.ResultTypeString)
		return
	case 1:
	default:
		msg := fmt.Sprintf("Detected more than one aggregate created or modified by command, command type: %s, id: %s",
			cmd.CommandType(), cmd.ID())
		h.logger.Error(msg, "aggregate_id", cmd.AggregateID(), "dirty_count", len(dirty))
		h.completeCommand(pc, domain.CommandStatusFailed, msg, domain.ResultTypeString)
		return
	}

	agg := dirty[0]
	items := maps.Clone(pc.Items)
	if items == nil {
		items = make(map[string]string)
	}
	if result := pc.Context.Result(); result != "" {
		items[domain.ItemCommandResult] = result
	}
	stream := domain.NewEventStream(cmd.ID(), agg, items)
	if err := stream.Validate(); err != nil {
		h.logger.Error("command produced an invalid event stream",
			"command_id", cmd.ID(), "aggregate_id", agg.ID(), "error", err)
		h.completeCommand(pc, domain.CommandStatusFailed, err.Error(), domain.ResultTypeString)
		return
	}

	h.events.CommitDomainEvent(pc, agg, stream)
}

// handleException decides what a handler error means. The command may have
// been persisted by an earlier run whose publication was lost.
func (h *Handler) handleException(pc *ProcessingCommand, cause error) {
	cmd := pc.Message
	describe := func() string {
		return fmt.Sprintf("aggregate: %s, command: %s", cmd.AggregateID(), cmd.ID())
	}

	stream, err := retry.Do(h.ctx, h.retry, "FindEventByCommandID", describe,
		func(ctx context.Context) (*domain.EventStream, error) {
			return h.eventStore.FindByCommandID(ctx, cmd.AggregateID(), cmd.ID())
		})
	if err != nil {
		h.abort(pc, err)
		return
	}

	if stream != nil {
		h.logger.Debug("handler failed but the command was already persisted, republishing",
			"command_id", cmd.ID(), "aggregate_id", cmd.AggregateID(), "version", stream.Version, "error", cause)
		h.events.PublishDomainEvent(pc, stream)
		pc.Mailbox.TryExecuteNext()
		return
	}

	var publishable domain.PublishableException
	if errors.As(cause, &publishable) {
		err := h.retry.Exec(h.ctx, "PublishPublishableException", describe, func(ctx context.Context) error {
			return h.exceptions.Publish(ctx, publishable)
		})
		if err != nil {
			h.abort(pc, err)
			return
		}
		h.completeCommand(pc, domain.CommandStatusFailed, publishable.Error(), publishable.ExceptionType())
		return
	}

	h.logger.Error("command handler failed",
		"command_id", cmd.ID(), "command_type", cmd.CommandType(), "aggregate_id", cmd.AggregateID(), "error", cause)
	h.completeCommand(pc, domain.CommandStatusFailed, cause.Error(), fmt.Sprintf("%T", cause))
}

type asyncOutcome struct {
	message *domain.ApplicationMessage
	err     error
}

func (h *Handler) handleAsyncCommand(pc *ProcessingCommand, handler AsyncCommandHandler) {
	cmd := pc.Message
	describe := func() string {
		return fmt.Sprintf("command: %s, type: %s", cmd.ID(), cmd.CommandType())
	}

	if h.commandStore == nil {
		h.completeCommand(pc, domain.CommandStatusFailed,
			"No command store configured for async command handlers", domain.ResultTypeString)
		return
	}

	if handler.CheckCommandHandledFirst() {
		existing, err := retry.Do(h.ctx, h.retry, "GetCommand", describe,
			func(ctx context.Context) (*domain.HandledCommand, error) {
				return h.commandStore.Get(ctx, cmd.ID())
			})
		if err != nil {
			h.abort(pc, err)
			return
		}
		if existing != nil {
			h.completeHandled(pc, existing)
			return
		}
	}

	// Handler business errors are an outcome, not a failure of the attempt.
	outcome, err := retry.Do(h.ctx, h.retry, "HandleAsyncCommand", describe,
		func(ctx context.Context) (asyncOutcome, error) {
			msg, err := handler.HandleAsync(ctx, cmd)
			if err != nil && !domain.IsIO(err) {
				return asyncOutcome{err: err}, nil
			}
			return asyncOutcome{message: msg}, err
		})
	if err != nil {
		h.abort(pc, err)
		return
	}

	if outcome.err != nil {
		h.logger.Error("async command handler failed",
			"command_id", cmd.ID(), "command_type", cmd.CommandType(), "error", outcome.err)
	}
	h.commitHandledCommand(pc, outcome)
}

func (h *Handler) commitHandledCommand(pc *ProcessingCommand, outcome asyncOutcome) {
	cmd := pc.Message
	record := &domain.HandledCommand{
		CommandID:   cmd.ID(),
		AggregateID: cmd.AggregateID(),
		Message:     outcome.message,
	}

	res, err := retry.Do(h.ctx, h.retry, "AddCommand", func() string { return "command: " + cmd.ID() },
		func(ctx context.Context) (store.CommandAddResult, error) {
			return h.commandStore.Add(ctx, record)
		})
	if err != nil {
		h.abort(pc, err)
		return
	}

	if res == store.CommandAddDuplicate {
		h.handleDuplicatedCommand(pc)
		return
	}

	if outcome.err != nil {
		h.completeCommand(pc, domain.CommandStatusFailed, outcome.err.Error(), domain.ResultTypeString)
		return
	}
	h.completeHandled(pc, record)
}

// handleDuplicatedCommand runs when another delivery of the same command
// recorded it first: reuse that delivery's outcome.
func (h *Handler) handleDuplicatedCommand(pc *ProcessingCommand) {
	cmd := pc.Message
	existing, err := retry.Do(h.ctx, h.retry, "GetCommand", func() string { return "command: " + cmd.ID() },
		func(ctx context.Context) (*domain.HandledCommand, error) {
			return h.commandStore.Get(ctx, cmd.ID())
		})
	if err != nil {
		h.abort(pc, err)
		return
	}

	if existing == nil {
		h.logger.Error("command store reported a duplicate but the command cannot be read",
			"command_id", cmd.ID(), "aggregate_id", cmd.AggregateID(), "fatal", true)
		h.completeCommand(pc, domain.CommandStatusFailed,
			"Command exist in the command store, but we cannot get it", domain.ResultTypeString)
		return
	}
	h.completeHandled(pc, existing)
}

func (h *Handler) completeHandled(pc *ProcessingCommand, record *domain.HandledCommand) {
	if record.Message == nil {
		h.completeCommand(pc, domain.CommandStatusSuccess, "", "")
		return
	}

	msg := record.Message
	err := h.retry.Exec(h.ctx, "PublishApplicationMessage",
		func() string { return fmt.Sprintf("command: %s, message: %s", pc.Message.ID(), msg.ID) },
		func(ctx context.Context) error {
			return h.messages.Publish(ctx, msg)
		})
	if err != nil {
		h.abort(pc, err)
		return
	}
	h.completeCommand(pc, domain.CommandStatusSuccess, renderMessage(msg), msg.Type)
}

func renderMessage(msg *domain.ApplicationMessage) string {
	payload, err := msg.Payload()
	if err != nil {
		return msg.ID
	}
	out, err := protojson.Marshal(payload)
	if err != nil {
		return msg.ID
	}
	return string(out)
}

// abort ends a run whose retries stopped. On shutdown the command is left
// for its waiter's context; otherwise it fails with the fatal cause.
func (h *Handler) abort(pc *ProcessingCommand, err error) {
	if h.ctx.Err() != nil {
		h.logger.Debug("command processing stopped", "command_id", pc.Message.ID(), "error", err)
		pc.Mailbox.TryExecuteNext()
		return
	}
	h.completeCommand(pc, domain.CommandStatusFailed, err.Error(), domain.ResultTypeString)
}

func (h *Handler) completeCommand(pc *ProcessingCommand, status domain.CommandStatus, result, resultType string) {
	cmd := pc.Message
	pc.Mailbox.CompleteMessage(pc, domain.NewCommandResult(status, cmd.ID(), cmd.AggregateID(), result, resultType))
	pc.Mailbox.TryExecuteNext()
}
