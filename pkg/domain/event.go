package domain

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// Event represents a domain event produced by an aggregate.
type Event struct {
	// ID is the unique identifier of the event.
	ID string `json:"id"`

	// AggregateID is the ID of the aggregate that produced this event.
	AggregateID string `json:"aggregate_id"`

	// AggregateType is the type of aggregate.
	AggregateType string `json:"aggregate_type"`

	// EventType is the domain name of the event.
	EventType string `json:"event_type"`

	// Version is the version of the stream carrying this event.
	Version int64 `json:"version"`

	// Sequence is the 1-based position of the event within its stream.
	Sequence int `json:"sequence"`

	// Timestamp is when the event was created.
	Timestamp time.Time `json:"timestamp"`

	// Data is the serialized payload (a marshaled anypb.Any).
	Data []byte `json:"data"`
}

// Payload unpacks the event data into its protobuf message.
func (e *Event) Payload() (proto.Message, error) {
	return UnpackPayload(e.Data)
}

// EventStream is the unit of persistence: every event produced by one
// command against one aggregate, tagged with the version it creates.
type EventStream struct {
	CommandID     string            `json:"command_id"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	Version       int64             `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Events        []*Event          `json:"events"`
	Items         map[string]string `json:"items,omitempty"`
}

// NewEventStream builds a stream for the given aggregate changes.
func NewEventStream(commandID string, agg Aggregate, items map[string]string) *EventStream {
	return &EventStream{
		CommandID:     commandID,
		AggregateID:   agg.ID(),
		AggregateType: agg.Type(),
		Version:       agg.Version() + 1,
		Timestamp:     Now(),
		Events:        agg.UncommittedEvents(),
		Items:         items,
	}
}

// Validate checks the structural rules of a stream.
func (s *EventStream) Validate() error {
	if s.AggregateID == "" {
		return fmt.Errorf("%w: missing aggregate id", ErrInvalidStream)
	}
	if s.Version < 1 {
		return fmt.Errorf("%w: version %d", ErrInvalidStream, s.Version)
	}
	if len(s.Events) == 0 {
		return fmt.Errorf("%w: stream %s v%d has no events", ErrInvalidStream, s.AggregateID, s.Version)
	}
	for _, evt := range s.Events {
		if evt.AggregateID != s.AggregateID || evt.Version != s.Version {
			return fmt.Errorf("%w: event %s does not belong to stream %s v%d",
				ErrInvalidStream, evt.ID, s.AggregateID, s.Version)
		}
	}
	return nil
}

// EventStreamMessage is the envelope published once a stream is persisted.
type EventStreamMessage struct {
	ID            string            `json:"id"`
	CommandID     string            `json:"command_id"`
	AggregateID   string            `json:"aggregate_id"`
	AggregateType string            `json:"aggregate_type"`
	Version       int64             `json:"version"`
	Timestamp     time.Time         `json:"timestamp"`
	Events        []*Event          `json:"events"`
	Items         map[string]string `json:"items,omitempty"`
}

// NewEventStreamMessage wraps a persisted stream for publication.
func NewEventStreamMessage(stream *EventStream) *EventStreamMessage {
	return &EventStreamMessage{
		ID:            GenerateID(),
		CommandID:     stream.CommandID,
		AggregateID:   stream.AggregateID,
		AggregateType: stream.AggregateType,
		Version:       stream.Version,
		Timestamp:     stream.Timestamp,
		Events:        stream.Events,
		Items:         stream.Items,
	}
}

// PackPayload marshals a protobuf message together with its type URL.
func PackPayload(msg proto.Message) ([]byte, error) {
	packed, err := anypb.New(msg)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(packed)
}

// UnpackPayload is the inverse of PackPayload. The message type must be
// linked into the binary.
func UnpackPayload(data []byte) (proto.Message, error) {
	var packed anypb.Any
	if err := proto.Unmarshal(data, &packed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	msg, err := packed.UnmarshalNew()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve payload %s: %w", packed.GetTypeUrl(), err)
	}
	return msg, nil
}
