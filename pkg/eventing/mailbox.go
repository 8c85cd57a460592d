// Package eventing persists and publishes the event streams produced by
// commands, reconciling duplicates and version conflicts.
package eventing

import (
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/commanding"
	"github.com/plaenen/eventcore/pkg/domain"
)

// CommittingContext is the unit of work of an EventMailbox.
type CommittingContext struct {
	Stream    *domain.EventStream
	Command   *commanding.ProcessingCommand
	Aggregate domain.Aggregate

	// Result is the handler's result, captured when the stream was committed.
	Result string

	mailbox *EventMailbox
}

// Mailbox returns the event mailbox owning the context.
func (c *CommittingContext) Mailbox() *EventMailbox {
	return c.mailbox
}

// EventMailbox serializes the persistence of one aggregate's streams.
// Only one flush runs at a time and contexts are flushed in enqueue order.
type EventMailbox struct {
	aggregateID string
	batchSize   int
	flush       func(batch []*CommittingContext)
	logger      *slog.Logger

	mu         sync.Mutex
	queue      []*CommittingContext
	processing bool
	halted     bool
	haltedBy   *CommittingContext
	removed    bool
	lastActive time.Time

	publishTail chan struct{}
	publishing  int
}

// NewEventMailbox creates a mailbox that hands batches of at most batchSize
// contexts to flush.
func NewEventMailbox(aggregateID string, batchSize int, flush func([]*CommittingContext), logger *slog.Logger) *EventMailbox {
	if batchSize < 1 {
		batchSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventMailbox{
		aggregateID: aggregateID,
		batchSize:   batchSize,
		flush:       flush,
		logger:      logger,
		lastActive:  time.Now(),
	}
}

// AggregateID returns the aggregate this mailbox serves.
func (m *EventMailbox) AggregateID() string {
	return m.aggregateID
}

// Enqueue appends a context and starts a flush if none is running.
// Returns false if the mailbox was evicted.
func (m *EventMailbox) Enqueue(c *CommittingContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return false
	}
	c.mailbox = m
	m.queue = append(m.queue, c)
	m.lastActive = time.Now()
	m.tryRunLocked()
	return true
}

// Finish ends the current flush and starts the next one if work is queued.
func (m *EventMailbox) Finish() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processing = false
	m.lastActive = time.Now()
	m.tryRunLocked()
}

// Clear discards queued contexts that have not been handed to a flush.
func (m *EventMailbox) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queue) > 0 {
		m.logger.Debug("event mailbox cleared", "aggregate_id", m.aggregateID, "discarded", len(m.queue))
	}
	m.queue = nil
}

// Halt keeps the mailbox busy so nothing else is flushed until Resume.
// c is the context the store could not reconcile.
func (m *EventMailbox) Halt(c *CommittingContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = true
	m.haltedBy = c
}

// Resume lifts a Halt.
func (m *EventMailbox) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.halted = false
	m.haltedBy = nil
	m.processing = false
	m.tryRunLocked()
}

// IsHalted reports whether the mailbox waits for operator intervention.
func (m *EventMailbox) IsHalted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// Len returns the number of queued contexts.
func (m *EventMailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// schedulePublish runs fn after every previously scheduled publication of
// this aggregate, without blocking the caller. Returns false if the mailbox
// was evicted.
func (m *EventMailbox) schedulePublish(fn func()) bool {
	m.mu.Lock()
	if m.removed {
		m.mu.Unlock()
		return false
	}
	prev := m.publishTail
	done := make(chan struct{})
	m.publishTail = done
	m.publishing++
	m.lastActive = time.Now()
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.publishing--
			m.lastActive = time.Now()
			m.mu.Unlock()
			close(done)
		}()
		if prev != nil {
			<-prev
		}
		fn()
	}()
	return true
}

// Publishing returns the number of publications not yet finished.
func (m *EventMailbox) Publishing() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publishing
}

// tryRemove evicts an idle mailbox. A mailbox with a publication in flight
// stays, since its chain orders the aggregate's later publications.
func (m *EventMailbox) tryRemove(maxInactive time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processing || m.halted || len(m.queue) > 0 || m.publishing > 0 ||
		time.Since(m.lastActive) < maxInactive {
		return false
	}
	m.removed = true
	return true
}

func (m *EventMailbox) tryRunLocked() {
	if m.processing || m.halted || len(m.queue) == 0 {
		return
	}
	batch := m.takeBatchLocked()
	m.processing = true
	go m.flush(batch)
}

// takeBatchLocked takes up to batchSize contexts with consecutive versions.
// A version that does not follow its predecessor starts the next batch, so a
// batch never races against itself in the store.
func (m *EventMailbox) takeBatchLocked() []*CommittingContext {
	n := 1
	for n < len(m.queue) && n < m.batchSize &&
		m.queue[n].Stream.Version == m.queue[n-1].Stream.Version+1 {
		n++
	}
	batch := make([]*CommittingContext, n)
	copy(batch, m.queue[:n])
	m.queue = m.queue[n:]
	return batch
}
