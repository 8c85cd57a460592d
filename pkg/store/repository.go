package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
)

// AggregateStorage loads aggregates from their authoritative history.
type AggregateStorage interface {
	// Get returns the aggregate at its latest version, or nil if it has no history.
	Get(ctx context.Context, aggregateType, id string) (domain.Aggregate, error)

	// GetAtVersion returns the aggregate replayed up to version.
	GetAtVersion(ctx context.Context, aggregateType, id string, version int64) (domain.Aggregate, error)
}

// EventSourcedStorage rebuilds aggregates by replaying event streams through
// the factory registered for their type.
type EventSourcedStorage struct {
	eventStore EventStore

	mu        sync.RWMutex
	factories map[string]domain.AggregateFactory
}

// NewEventSourcedStorage creates a storage over the given event store.
func NewEventSourcedStorage(eventStore EventStore) *EventSourcedStorage {
	return &EventSourcedStorage{
		eventStore: eventStore,
		factories:  make(map[string]domain.AggregateFactory),
	}
}

// Register associates an aggregate type name with its factory.
// Panics if the type is registered twice.
func (s *EventSourcedStorage) Register(aggregateType string, factory domain.AggregateFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.factories[aggregateType]; exists {
		panic(fmt.Sprintf("aggregate factory already registered for type: %s", aggregateType))
	}
	s.factories[aggregateType] = factory
}

// New creates an empty aggregate of the given type.
func (s *EventSourcedStorage) New(aggregateType, id string) (domain.Aggregate, error) {
	s.mu.RLock()
	factory, ok := s.factories[aggregateType]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAggregateType, aggregateType)
	}
	return factory(id), nil
}

// Get loads the latest version of an aggregate.
func (s *EventSourcedStorage) Get(ctx context.Context, aggregateType, id string) (domain.Aggregate, error) {
	return s.GetAtVersion(ctx, aggregateType, id, 0)
}

// GetAtVersion loads an aggregate up to version (0 = latest).
func (s *EventSourcedStorage) GetAtVersion(ctx context.Context, aggregateType, id string, version int64) (domain.Aggregate, error) {
	agg, err := s.New(aggregateType, id)
	if err != nil {
		return nil, err
	}

	streams, err := s.eventStore.Query(ctx, id, 1, version)
	if err != nil {
		return nil, fmt.Errorf("failed to load streams of %s: %w", id, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}

	if err := domain.Replay(agg, streams); err != nil {
		return nil, err
	}
	return agg, nil
}
