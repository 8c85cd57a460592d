package domain

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
)

// ApplicationMessage is the result message produced by an asynchronous
// command handler.
type ApplicationMessage struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Data      []byte            `json:"data"`
	Items     map[string]string `json:"items,omitempty"`
}

// NewApplicationMessage wraps a protobuf payload. The message type is the
// payload's full protobuf name.
func NewApplicationMessage(payload proto.Message) (*ApplicationMessage, error) {
	data, err := PackPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal application message: %w", err)
	}
	return &ApplicationMessage{
		ID:        GenerateID(),
		Type:      string(payload.ProtoReflect().Descriptor().FullName()),
		Timestamp: Now(),
		Data:      data,
	}, nil
}

// Payload unpacks the message data.
func (m *ApplicationMessage) Payload() (proto.Message, error) {
	return UnpackPayload(m.Data)
}

// PublishableException is an error that is a first-class domain signal:
// instead of only failing the command it is forwarded to subscribers.
type PublishableException interface {
	error
	ExceptionID() string
	ExceptionType() string
	OccurredAt() time.Time
	SerializeTo(items map[string]string)
}

// DomainException is the default PublishableException.
type DomainException struct {
	ID        string
	Type      string
	Message   string
	Timestamp time.Time
	Data      map[string]string
}

// NewDomainException creates a publishable exception of the given type.
func NewDomainException(exceptionType, message string, data map[string]string) *DomainException {
	return &DomainException{
		ID:        GenerateID(),
		Type:      exceptionType,
		Message:   message,
		Timestamp: Now(),
		Data:      data,
	}
}

func (e *DomainException) Error() string         { return e.Message }
func (e *DomainException) ExceptionID() string   { return e.ID }
func (e *DomainException) ExceptionType() string { return e.Type }
func (e *DomainException) OccurredAt() time.Time { return e.Timestamp }

// SerializeTo copies the exception data into items.
func (e *DomainException) SerializeTo(items map[string]string) {
	for k, v := range e.Data {
		items[k] = v
	}
}

// ExceptionMessage is the wire envelope of a PublishableException.
type ExceptionMessage struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Items     map[string]string `json:"items,omitempty"`
}

// NewExceptionMessage serializes a publishable exception.
func NewExceptionMessage(ex PublishableException) *ExceptionMessage {
	items := make(map[string]string)
	ex.SerializeTo(items)
	return &ExceptionMessage{
		ID:        ex.ExceptionID(),
		Type:      ex.ExceptionType(),
		Message:   ex.Error(),
		Timestamp: ex.OccurredAt(),
		Items:     items,
	}
}
