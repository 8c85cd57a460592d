package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrIO marks a transient failure of an external system (store, broker).
	// Operations failing with it are retried until they succeed.
	ErrIO = errors.New("io failure")

	// ErrAggregateNotFound is returned when an aggregate doesn't exist.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrAggregateAlreadyTracked is returned when a command adds the same aggregate twice.
	ErrAggregateAlreadyTracked = errors.New("aggregate already tracked by command")

	// ErrUnknownAggregateType is returned when no factory is registered for a type.
	ErrUnknownAggregateType = errors.New("unknown aggregate type")

	// ErrInvalidStream is returned for structurally invalid event streams.
	ErrInvalidStream = errors.New("invalid event stream")

	// ErrEngineClosed is returned when submitting to a closed engine.
	ErrEngineClosed = errors.New("engine closed")
)

// IOError wraps a failure talking to an external system.
type IOError struct {
	Op  string
	Err error
}

// NewIOError wraps err as a transient failure of op.
func NewIOError(op string, err error) error {
	return &IOError{Op: op, Err: err}
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// IsIO reports whether err is a transient I/O failure.
func IsIO(err error) bool {
	return errors.Is(err, ErrIO)
}
