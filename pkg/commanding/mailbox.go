package commanding

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
)

// MessageHandler processes the in-flight command of a mailbox. It must end
// every run with exactly one call to the mailbox's TryExecuteNext, directly
// or through a collaborator.
type MessageHandler interface {
	Handle(pc *ProcessingCommand)
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(pc *ProcessingCommand)

func (f MessageHandlerFunc) Handle(pc *ProcessingCommand) { f(pc) }

// CommandMailbox serializes the commands of one aggregate. Each run is a
// separately scheduled goroutine; at most one command is in flight.
type CommandMailbox struct {
	aggregateID string
	handler     MessageHandler
	logger      *slog.Logger

	mu                sync.Mutex
	idle              *sync.Cond
	messages          map[int64]*ProcessingCommand
	nextSequence      int64
	consumingSequence int64
	processing        bool
	paused            bool
	removed           bool
	lastActive        time.Time
}

// NewCommandMailbox creates a mailbox for one aggregate id.
func NewCommandMailbox(aggregateID string, handler MessageHandler, logger *slog.Logger) *CommandMailbox {
	if logger == nil {
		logger = slog.Default()
	}
	m := &CommandMailbox{
		aggregateID: aggregateID,
		handler:     handler,
		logger:      logger,
		messages:    make(map[int64]*ProcessingCommand),
		lastActive:  time.Now(),
	}
	m.idle = sync.NewCond(&m.mu)
	return m
}

// AggregateID returns the aggregate this mailbox serves.
func (m *CommandMailbox) AggregateID() string {
	return m.aggregateID
}

// Enqueue appends pc at the next sequence and schedules a run if idle.
// Returns false if the mailbox was evicted; the caller must use a new one.
func (m *CommandMailbox) Enqueue(pc *ProcessingCommand) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.removed {
		return false
	}
	pc.Sequence = m.nextSequence
	pc.Mailbox = m
	m.messages[pc.Sequence] = pc
	m.nextSequence++
	m.lastActive = time.Now()

	m.tryRunLocked()
	return true
}

// TryExecuteNext ends the current run and hands the next queued command to
// the handler unless the mailbox is paused.
func (m *CommandMailbox) TryExecuteNext() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processing = false
	m.idle.Broadcast()
	m.tryRunLocked()
}

// CompleteMessage removes pc from the queue and delivers its result.
// Completing the same command twice is a no-op.
func (m *CommandMailbox) CompleteMessage(pc *ProcessingCommand, result *domain.CommandResult) {
	m.mu.Lock()
	if current, ok := m.messages[pc.Sequence]; ok && current == pc {
		delete(m.messages, pc.Sequence)
	}
	m.lastActive = time.Now()
	m.mu.Unlock()

	if !pc.complete(result) {
		m.logger.Warn("command already completed",
			"aggregate_id", m.aggregateID, "command_id", pc.Message.ID(), "status", result.Status)
	}
}

// Pause stops dequeuing and waits until the in-flight command, if any, has
// released the mailbox.
func (m *CommandMailbox) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = true
	for m.processing {
		m.idle.Wait()
	}
	m.logger.Debug("command mailbox paused", "aggregate_id", m.aggregateID, "offset", m.consumingSequence)
}

// Resume lifts a Pause and schedules the next command.
func (m *CommandMailbox) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.paused = false
	m.lastActive = time.Now()
	m.logger.Debug("command mailbox resumed", "aggregate_id", m.aggregateID, "offset", m.consumingSequence)
	m.tryRunLocked()
}

// ResetConsumingOffset makes sequence the next command to run. Only valid
// while paused.
func (m *CommandMailbox) ResetConsumingOffset(sequence int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("command mailbox consuming offset reset",
		"aggregate_id", m.aggregateID, "from", m.consumingSequence, "to", sequence)
	m.consumingSequence = sequence
}

// ConsumingSequence returns the next sequence to be dequeued.
func (m *CommandMailbox) ConsumingSequence() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumingSequence
}

// TotalUnhandled returns the number of commands not yet completed.
func (m *CommandMailbox) TotalUnhandled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// IsRunning reports whether a command is in flight.
func (m *CommandMailbox) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.processing
}

// tryRemove marks the mailbox as evicted when it has been idle and empty for
// maxInactive.
func (m *CommandMailbox) tryRemove(maxInactive time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processing || m.paused || len(m.messages) > 0 || time.Since(m.lastActive) < maxInactive {
		return false
	}
	m.removed = true
	return true
}

func (m *CommandMailbox) tryRunLocked() {
	if m.paused || m.processing {
		return
	}

	// Completed commands are removed from the map; skip them after a rewind.
	for m.consumingSequence < m.nextSequence {
		pc, ok := m.messages[m.consumingSequence]
		m.consumingSequence++
		if !ok {
			continue
		}
		m.processing = true
		m.lastActive = time.Now()
		go m.run(pc)
		return
	}
}

func (m *CommandMailbox) run(pc *ProcessingCommand) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic while processing command",
				"aggregate_id", m.aggregateID, "command_id", pc.Message.ID(), "panic", r)
			m.CompleteMessage(pc, domain.NewCommandResult(domain.CommandStatusFailed,
				pc.Message.ID(), m.aggregateID, fmt.Sprintf("panic: %v", r), domain.ResultTypeString))
			m.TryExecuteNext()
		}
	}()
	m.handler.Handle(pc)
}
