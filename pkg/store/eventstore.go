// Package store defines the persistence contracts of the processing core.
// Implementations report duplicates as results rather than errors, so the
// pipeline can reconcile retries; errors are reserved for I/O failures.
package store

import (
	"context"

	"github.com/plaenen/eventcore/pkg/domain"
)

// AppendResult is the outcome of appending event streams.
type AppendResult int

const (
	AppendSuccess AppendResult = iota
	// AppendDuplicateEvent means the (aggregate id, version) slot is taken.
	AppendDuplicateEvent
	// AppendDuplicateCommand means the command already produced a stream for the aggregate.
	AppendDuplicateCommand
)

func (r AppendResult) String() string {
	switch r {
	case AppendSuccess:
		return "Success"
	case AppendDuplicateEvent:
		return "DuplicateEvent"
	case AppendDuplicateCommand:
		return "DuplicateCommand"
	default:
		return "Unknown"
	}
}

// EventStore persists event streams. Version uniqueness is checked before
// command uniqueness, so a retried creation reports AppendDuplicateEvent.
type EventStore interface {
	// SupportsBatchAppend reports whether BatchAppend is worth calling.
	SupportsBatchAppend() bool

	// Append persists one stream.
	Append(ctx context.Context, stream *domain.EventStream) (AppendResult, error)

	// BatchAppend persists all streams or none of them.
	BatchAppend(ctx context.Context, streams []*domain.EventStream) (AppendResult, error)

	// FindByVersion returns the stream at version, or nil.
	FindByVersion(ctx context.Context, aggregateID string, version int64) (*domain.EventStream, error)

	// FindByCommandID returns the stream the command produced for the aggregate, or nil.
	FindByCommandID(ctx context.Context, aggregateID, commandID string) (*domain.EventStream, error)

	// Query returns the streams with minVersion <= version <= maxVersion in
	// version order. maxVersion <= 0 means no upper bound.
	Query(ctx context.Context, aggregateID string, minVersion, maxVersion int64) ([]*domain.EventStream, error)
}

// CommandAddResult is the outcome of recording a handled command.
type CommandAddResult int

const (
	CommandAddSuccess CommandAddResult = iota
	CommandAddDuplicate
)

func (r CommandAddResult) String() string {
	if r == CommandAddDuplicate {
		return "DuplicateCommand"
	}
	return "Success"
}

// CommandStore records commands processed by asynchronous handlers.
type CommandStore interface {
	// Add records the command once; later adds report CommandAddDuplicate.
	Add(ctx context.Context, cmd *domain.HandledCommand) (CommandAddResult, error)

	// Get returns the record, or nil when the command was never handled.
	Get(ctx context.Context, commandID string) (*domain.HandledCommand, error)
}
