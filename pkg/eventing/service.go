package eventing

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/messaging"
	"github.com/plaenen/eventcore/pkg/observability"
	"github.com/plaenen/eventcore/pkg/retry"
	"github.com/plaenen/eventcore/pkg/store"
)

// DefaultBatchSize is the largest number of streams flushed in one batch.
const DefaultBatchSize = 1000

// AggregateCache is the part of the aggregate cache the commit pipeline
// keeps up to date.
type AggregateCache interface {
	Set(agg domain.Aggregate)
	RefreshFromStore(ctx context.Context, aggregateType, id string) error
	Remove(id string) bool
}

// Service is the event commit pipeline. It implements commanding.EventService.
type Service struct {
	ctx        context.Context
	eventStore store.EventStore
	cache      AggregateCache
	publisher  messaging.EventPublisher
	retry      *retry.Executor
	logger     *slog.Logger
	metrics    *observability.Metrics
	batchSize  int

	mailboxes sync.Map
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithBatchSize sets the maximum number of streams per batch append.
func WithBatchSize(n int) Option {
	return func(s *Service) {
		s.batchSize = n
	}
}

// WithRetryExecutor sets the executor for store and publisher calls.
func WithRetryExecutor(e *retry.Executor) Option {
	return func(s *Service) {
		s.retry = e
	}
}

// WithContext sets the runtime context. Cancelling it stops retries.
func WithContext(ctx context.Context) Option {
	return func(s *Service) {
		s.ctx = ctx
	}
}

// WithPublisher sets the domain event publisher.
func WithPublisher(p messaging.EventPublisher) Option {
	return func(s *Service) {
		s.publisher = p
	}
}

// NewService creates the commit pipeline.
func NewService(eventStore store.EventStore, cache AggregateCache, opts ...Option) *Service {
	s := &Service{
		ctx:        context.Background(),
		eventStore: eventStore,
		cache:      cache,
		publisher:  messaging.Discard[*domain.EventStreamMessage](),
		logger:     slog.Default(),
		batchSize:  DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.retry == nil {
		s.retry = retry.New(retry.WithLogger(s.logger))
	}
	return s
}

// CommitDomainEvent queues the stream for persistence, then optimistically
// accepts the changes into the cache and frees the command mailbox.
func (s *Service) CommitDomainEvent(pc *commanding.ProcessingCommand, agg domain.Aggregate, stream *domain.EventStream) {
	c := &CommittingContext{Stream: stream, Command: pc, Aggregate: agg, Result: pc.Context.Result()}
	for {
		mailbox := s.mailbox(stream.AggregateID)
		if mailbox.Enqueue(c) {
			break
		}
		s.mailboxes.CompareAndDelete(stream.AggregateID, mailbox)
	}

	agg.AcceptChanges(stream.Version)
	s.cache.Set(agg)
	pc.Mailbox.TryExecuteNext()
}

// PublishDomainEvent publishes a persisted stream and completes the command
// once it is out. Publications of one aggregate keep their order.
func (s *Service) PublishDomainEvent(pc *commanding.ProcessingCommand, stream *domain.EventStream) {
	s.publishStream(pc, stream, "")
}

// publishStream publishes stream. result completes the command when the
// stream carries no result item.
func (s *Service) publishStream(pc *commanding.ProcessingCommand, stream *domain.EventStream, result string) {
	// The stream may be the store's own copy.
	if len(stream.Items) == 0 && len(pc.Items) > 0 {
		copied := *stream
		copied.Items = maps.Clone(pc.Items)
		stream = &copied
	}
	msg := domain.NewEventStreamMessage(stream)
	for {
		mailbox := s.mailbox(stream.AggregateID)
		if mailbox.schedulePublish(func() { s.publish(pc, msg, result) }) {
			return
		}
		s.mailboxes.CompareAndDelete(stream.AggregateID, mailbox)
	}
}

// Mailbox returns the event mailbox of an aggregate, if one exists.
func (s *Service) Mailbox(aggregateID string) (*EventMailbox, bool) {
	v, ok := s.mailboxes.Load(aggregateID)
	if !ok {
		return nil, false
	}
	return v.(*EventMailbox), true
}

// ResumeAggregate lifts a halt caused by a store inconsistency. Streams
// queued behind the halted one are discarded and their commands replayed
// against fresh state.
func (s *Service) ResumeAggregate(aggregateID string) bool {
	mailbox, ok := s.Mailbox(aggregateID)
	if !ok || !mailbox.IsHalted() {
		return false
	}

	mailbox.mu.Lock()
	haltedBy := mailbox.haltedBy
	mailbox.mu.Unlock()

	if haltedBy != nil {
		s.resetCommandMailboxConsumingOffset(haltedBy, haltedBy.Command.Sequence+1, "resume")
	}
	s.logger.Warn("event mailbox resumed", "aggregate_id", aggregateID)
	mailbox.Resume()
	return true
}

// CleanInactiveMailboxes drops event mailboxes that are empty and idle for
// maxInactive.
func (s *Service) CleanInactiveMailboxes(maxInactive time.Duration) int {
	removed := 0
	s.mailboxes.Range(func(k, v any) bool {
		mailbox := v.(*EventMailbox)
		if mailbox.tryRemove(maxInactive) {
			s.mailboxes.CompareAndDelete(k, mailbox)
			removed++
		}
		return true
	})
	if removed > 0 {
		s.logger.Info("removed inactive event mailboxes", "count", removed)
	}
	return removed
}

func (s *Service) mailbox(aggregateID string) *EventMailbox {
	if v, ok := s.mailboxes.Load(aggregateID); ok {
		return v.(*EventMailbox)
	}
	v, _ := s.mailboxes.LoadOrStore(aggregateID, NewEventMailbox(aggregateID, s.batchSize, s.persist, s.logger))
	return v.(*EventMailbox)
}

func (s *Service) persist(batch []*CommittingContext) {
	if len(batch) == 0 {
		return
	}
	if len(batch) > 1 && s.eventStore.SupportsBatchAppend() {
		s.batchPersist(batch)
		return
	}
	s.persistOneByOne(batch)
}

func (s *Service) batchPersist(batch []*CommittingContext) {
	first := batch[0]
	streams := make([]*domain.EventStream, len(batch))
	events := 0
	for i, c := range batch {
		streams[i] = c.Stream
		events += len(c.Stream.Events)
	}

	start := time.Now()
	result, err := retry.Do(s.ctx, s.retry, "BatchPersistEvent",
		func() string { return fmt.Sprintf("aggregate: %s, streams: %d", first.Stream.AggregateID, len(batch)) },
		func(ctx context.Context) (store.AppendResult, error) {
			return s.eventStore.BatchAppend(ctx, streams)
		})
	if err != nil {
		s.metrics.RecordAppend(s.ctx, "batch", "Error", events, time.Since(start))
		s.abortBatch(batch, err)
		return
	}
	s.metrics.RecordAppend(s.ctx, "batch", result.String(), events, time.Since(start))

	switch result {
	case store.AppendSuccess:
		s.logger.Debug("batch persist event success",
			"aggregate_id", first.Stream.AggregateID, "streams", len(batch))
		for _, c := range batch {
			s.publishStream(c.Command, c.Stream, c.Result)
		}
		first.mailbox.Finish()
	case store.AppendDuplicateEvent:
		if first.Stream.Version == 1 {
			s.handleFirstEventDuplication(first)
			return
		}
		s.logger.Warn("batch persist event has concurrent version conflict",
			"aggregate_id", first.Stream.AggregateID, "version", first.Stream.Version, "batch_size", len(batch))
		s.resetCommandMailboxConsumingOffset(first, first.Command.Sequence, "version_conflict")
	case store.AppendDuplicateCommand:
		s.persistOneByOne(batch)
	}
}

func (s *Service) persistOneByOne(batch []*CommittingContext) {
	for _, c := range batch {
		if !s.persistOne(c) {
			return
		}
	}
	batch[0].mailbox.Finish()
}

// persistOne appends one stream. It returns false when the rest of the batch
// must be dropped; the mailbox has then already been released.
func (s *Service) persistOne(c *CommittingContext) bool {
	start := time.Now()
	result, err := retry.Do(s.ctx, s.retry, "PersistEvent",
		func() string { return fmt.Sprintf("aggregate: %s, version: %d", c.Stream.AggregateID, c.Stream.Version) },
		func(ctx context.Context) (store.AppendResult, error) {
			return s.eventStore.Append(ctx, c.Stream)
		})
	if err != nil {
		s.metrics.RecordAppend(s.ctx, "single", "Error", len(c.Stream.Events), time.Since(start))
		s.abortBatch([]*CommittingContext{c}, err)
		return false
	}
	s.metrics.RecordAppend(s.ctx, "single", result.String(), len(c.Stream.Events), time.Since(start))

	switch result {
	case store.AppendSuccess:
		s.logger.Debug("persist event success",
			"aggregate_id", c.Stream.AggregateID, "version", c.Stream.Version, "command_id", c.Stream.CommandID)
		s.publishStream(c.Command, c.Stream, c.Result)
		return true
	case store.AppendDuplicateEvent:
		if c.Stream.Version == 1 {
			s.handleFirstEventDuplication(c)
			return false
		}
		s.logger.Warn("persist event has concurrent version conflict",
			"aggregate_id", c.Stream.AggregateID, "version", c.Stream.Version, "command_id", c.Stream.CommandID)
		s.resetCommandMailboxConsumingOffset(c, c.Command.Sequence, "version_conflict")
		return false
	default:
		s.logger.Warn("persist event has duplicate command",
			"aggregate_id", c.Stream.AggregateID, "version", c.Stream.Version, "command_id", c.Stream.CommandID)
		s.resetCommandMailboxConsumingOffset(c, c.Command.Sequence+1, "duplicate_command")
		s.tryToRepublish(c)
		return false
	}
}

// resetCommandMailboxConsumingOffset reconciles the command mailbox with the
// store: the cache is reloaded, queued streams are dropped and commands from
// offset on run again. It releases the event mailbox.
func (s *Service) resetCommandMailboxConsumingOffset(c *CommittingContext, offset int64, reason string) {
	commandMailbox := c.Command.Mailbox
	stream := c.Stream

	commandMailbox.Pause()

	err := s.retry.Exec(s.ctx, "RefreshAggregateFromStore",
		func() string { return fmt.Sprintf("aggregate: %s, type: %s", stream.AggregateID, stream.AggregateType) },
		func(ctx context.Context) error {
			return s.cache.RefreshFromStore(ctx, stream.AggregateType, stream.AggregateID)
		})
	if err != nil {
		// The next load goes to the store.
		s.cache.Remove(stream.AggregateID)
		s.logger.Error("failed to refresh aggregate from store",
			"aggregate_id", stream.AggregateID, "error", err)
	}

	commandMailbox.ResetConsumingOffset(offset)
	c.mailbox.Clear()
	c.mailbox.Finish()
	s.metrics.RecordRewind(s.ctx, reason)
	commandMailbox.Resume()
}

func (s *Service) handleFirstEventDuplication(c *CommittingContext) {
	stream := c.Stream
	pc := c.Command

	existing, err := retry.Do(s.ctx, s.retry, "FindFirstEventByVersion",
		func() string { return fmt.Sprintf("aggregate: %s, command: %s", stream.AggregateID, stream.CommandID) },
		func(ctx context.Context) (*domain.EventStream, error) {
			return s.eventStore.FindByVersion(ctx, stream.AggregateID, 1)
		})
	if err != nil {
		s.abortBatch([]*CommittingContext{c}, err)
		return
	}

	switch {
	case existing == nil:
		s.logger.Error("duplicate aggregate creation, but the first event stream cannot be found; halting aggregate",
			"command_id", stream.CommandID, "aggregate_id", stream.AggregateID,
			"aggregate_type", stream.AggregateType, "fatal", true)
		c.mailbox.Halt(c)
		s.completeCommand(pc, domain.CommandStatusFailed,
			"Duplicate aggregate creation, but the existing event stream cannot be found.")
	case existing.CommandID == pc.Message.ID():
		s.resetCommandMailboxConsumingOffset(c, pc.Sequence+1, "duplicate_creation_replay")
		s.PublishDomainEvent(pc, existing)
	default:
		s.logger.Error("duplicate aggregate creation",
			"command_id", pc.Message.ID(), "existing_command_id", existing.CommandID,
			"aggregate_id", existing.AggregateID, "aggregate_type", existing.AggregateType)
		s.resetCommandMailboxConsumingOffset(c, pc.Sequence+1, "duplicate_creation")
		s.completeCommand(pc, domain.CommandStatusFailed, "Duplicate aggregate creation.")
	}
}

func (s *Service) tryToRepublish(c *CommittingContext) {
	cmd := c.Command.Message
	existing, err := retry.Do(s.ctx, s.retry, "FindEventByCommandID",
		func() string { return fmt.Sprintf("aggregate: %s, command: %s", cmd.AggregateID(), cmd.ID()) },
		func(ctx context.Context) (*domain.EventStream, error) {
			return s.eventStore.FindByCommandID(ctx, cmd.AggregateID(), cmd.ID())
		})
	if err != nil {
		s.failCommand(c.Command, err)
		return
	}
	if existing == nil {
		s.logger.Error("command exists in the event store but cannot be found",
			"command_type", cmd.CommandType(), "command_id", cmd.ID(), "aggregate_id", cmd.AggregateID(), "fatal", true)
		s.completeCommand(c.Command, domain.CommandStatusFailed,
			"Command exist in the event store, but we cannot find it from the event store.")
		return
	}
	s.PublishDomainEvent(c.Command, existing)
}

func (s *Service) publish(pc *commanding.ProcessingCommand, msg *domain.EventStreamMessage, result string) {
	start := time.Now()
	err := s.retry.Exec(s.ctx, "PublishEvent",
		func() string { return fmt.Sprintf("aggregate: %s, version: %d", msg.AggregateID, msg.Version) },
		func(ctx context.Context) error {
			return s.publisher.Publish(ctx, msg)
		})
	if err != nil {
		s.failCommand(pc, err)
		return
	}
	s.metrics.RecordPublish(s.ctx, "domain_event", time.Since(start))
	s.logger.Debug("publish event success",
		"aggregate_id", msg.AggregateID, "version", msg.Version, "command_id", msg.CommandID)

	if item, ok := msg.Items[domain.ItemCommandResult]; ok {
		result = item
	}
	s.completeCommand(pc, domain.CommandStatusSuccess, result)
}

// abortBatch ends a flush whose store call could not complete. The commands
// fail and the mailbox moves past them against reloaded state.
func (s *Service) abortBatch(batch []*CommittingContext, err error) {
	if s.ctx.Err() != nil {
		s.logger.Debug("event persistence stopped", "aggregate_id", batch[0].Stream.AggregateID, "error", err)
		return
	}
	last := batch[len(batch)-1]
	s.logger.Error("event persistence failed",
		"aggregate_id", last.Stream.AggregateID, "streams", len(batch), "error", err, "fatal", true)
	for _, c := range batch {
		s.completeCommand(c.Command, domain.CommandStatusFailed, err.Error())
	}
	s.resetCommandMailboxConsumingOffset(last, last.Command.Sequence+1, "persist_failure")
}

func (s *Service) failCommand(pc *commanding.ProcessingCommand, err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.logger.Error("event publication failed",
		"command_id", pc.Message.ID(), "aggregate_id", pc.Message.AggregateID(), "error", err, "fatal", true)
	s.completeCommand(pc, domain.CommandStatusFailed, err.Error())
}

func (s *Service) completeCommand(pc *commanding.ProcessingCommand, status domain.CommandStatus, result string) {
	pc.Mailbox.CompleteMessage(pc, domain.NewCommandResult(status, pc.Message.ID(), pc.Message.AggregateID(),
		result, domain.ResultTypeString))
	s.logger.Debug("complete command", "command_id", pc.Message.ID(), "aggregate_id", pc.Message.AggregateID(),
		"status", status)
}
