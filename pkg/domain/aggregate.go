package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Aggregate defines the interface that all aggregates must implement.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() string

	// Type returns the type name of the aggregate.
	Type() string

	// Version returns the version of the last committed event stream.
	Version() int64

	// ApplyEvent mutates the aggregate's state from an event.
	// It is called both for new changes and when replaying history.
	ApplyEvent(event *Event) error

	// UncommittedEvents returns the changes produced by the current command.
	UncommittedEvents() []*Event

	// AcceptChanges clears the uncommitted events and moves the aggregate
	// to the version of the stream that carried them.
	AcceptChanges(version int64)
}

// AggregateFactory creates an empty aggregate instance for the given id.
type AggregateFactory func(id string) Aggregate

// AggregateRoot provides base functionality for all aggregates.
// Use this as an embedded type in your aggregate implementations.
type AggregateRoot struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []*Event
	commandID         string // Current command being processed (for deterministic event IDs)
}

// NewAggregateRoot creates a new aggregate root with the given ID and type.
func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{
		id:            id,
		aggregateType: aggregateType,
	}
}

// ID returns the aggregate's unique identifier.
func (a *AggregateRoot) ID() string {
	return a.id
}

// Type returns the aggregate's type name.
func (a *AggregateRoot) Type() string {
	return a.aggregateType
}

// Version returns the aggregate's committed version.
func (a *AggregateRoot) Version() int64 {
	return a.version
}

// UncommittedEvents returns events that haven't been persisted yet.
func (a *AggregateRoot) UncommittedEvents() []*Event {
	return a.uncommittedEvents
}

// AcceptChanges drops the uncommitted events and sets the version.
func (a *AggregateRoot) AcceptChanges(version int64) {
	a.uncommittedEvents = nil
	a.version = version
}

// SetCommandID sets the command ID for deterministic event ID generation.
// The command execution context calls this for every aggregate it hands out.
func (a *AggregateRoot) SetCommandID(commandID string) {
	a.commandID = commandID
}

// Apply records a new change on the aggregate. self must be the concrete
// aggregate embedding this root; its ApplyEvent is invoked so that state and
// recorded changes never diverge.
func (a *AggregateRoot) Apply(self Aggregate, eventType string, payload proto.Message) error {
	data, err := PackPayload(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var eventID string
	if a.commandID != "" {
		eventID = GenerateDeterministicEventID(a.commandID, a.id, len(a.uncommittedEvents))
	} else {
		eventID = GenerateID()
	}

	evt := &Event{
		ID:            eventID,
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		EventType:     eventType,
		Version:       a.version + 1,
		Sequence:      len(a.uncommittedEvents) + 1,
		Timestamp:     Now(),
		Data:          data,
	}

	if err := self.ApplyEvent(evt); err != nil {
		return fmt.Errorf("failed to apply %s: %w", eventType, err)
	}

	a.uncommittedEvents = append(a.uncommittedEvents, evt)
	return nil
}

// HasChanges reports whether the aggregate has uncommitted events.
func HasChanges(agg Aggregate) bool {
	return len(agg.UncommittedEvents()) > 0
}

// Replay rebuilds aggregate state from persisted streams. Streams must be
// ordered and contiguous starting right after the aggregate's version.
func Replay(agg Aggregate, streams []*EventStream) error {
	for _, stream := range streams {
		if stream.Version != agg.Version()+1 {
			return fmt.Errorf("%w: aggregate %s at version %d cannot apply stream version %d",
				ErrInvalidStream, agg.ID(), agg.Version(), stream.Version)
		}
		for _, evt := range stream.Events {
			if err := agg.ApplyEvent(evt); err != nil {
				return fmt.Errorf("failed to replay %s v%d: %w", evt.EventType, stream.Version, err)
			}
		}
		agg.AcceptChanges(stream.Version)
	}
	return nil
}

// GenerateDeterministicEventID derives an event ID from the command that
// produced it, so re-running the same command yields the same IDs.
func GenerateDeterministicEventID(commandID, aggregateID string, index int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:%d", commandID, aggregateID, index)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
