// Package memory provides in-process stores for tests and single-node demos.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

type aggregateStreams struct {
	byVersion map[int64]*domain.EventStream
	byCommand map[string]*domain.EventStream
}

// EventStore keeps event streams in maps keyed like the SQL unique indexes.
type EventStore struct {
	mu          sync.RWMutex
	aggregates  map[string]*aggregateStreams
	batchAppend bool
}

// EventStoreOption configures an EventStore.
type EventStoreOption func(*EventStore)

// WithBatchAppend toggles batch append support (default true).
func WithBatchAppend(enabled bool) EventStoreOption {
	return func(s *EventStore) {
		s.batchAppend = enabled
	}
}

// NewEventStore creates an empty in-memory event store.
func NewEventStore(opts ...EventStoreOption) *EventStore {
	s := &EventStore{
		aggregates:  make(map[string]*aggregateStreams),
		batchAppend: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SupportsBatchAppend implements store.EventStore.
func (s *EventStore) SupportsBatchAppend() bool {
	return s.batchAppend
}

// Append implements store.EventStore.
func (s *EventStore) Append(ctx context.Context, stream *domain.EventStream) (store.AppendResult, error) {
	return s.BatchAppend(ctx, []*domain.EventStream{stream})
}

// BatchAppend implements store.EventStore.
func (s *EventStore) BatchAppend(_ context.Context, streams []*domain.EventStream) (store.AppendResult, error) {
	for _, stream := range streams {
		if err := stream.Validate(); err != nil {
			return store.AppendSuccess, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Check everything first so a failing batch leaves no trace.
	versions := make(map[string]map[int64]bool)
	commands := make(map[string]map[string]bool)
	for _, stream := range streams {
		if versions[stream.AggregateID] == nil {
			versions[stream.AggregateID] = make(map[int64]bool)
			commands[stream.AggregateID] = make(map[string]bool)
		}
		existing := s.aggregates[stream.AggregateID]
		if versions[stream.AggregateID][stream.Version] || (existing != nil && existing.byVersion[stream.Version] != nil) {
			return store.AppendDuplicateEvent, nil
		}
		if commands[stream.AggregateID][stream.CommandID] || (existing != nil && existing.byCommand[stream.CommandID] != nil) {
			return store.AppendDuplicateCommand, nil
		}
		versions[stream.AggregateID][stream.Version] = true
		commands[stream.AggregateID][stream.CommandID] = true
	}

	for _, stream := range streams {
		agg := s.aggregates[stream.AggregateID]
		if agg == nil {
			agg = &aggregateStreams{
				byVersion: make(map[int64]*domain.EventStream),
				byCommand: make(map[string]*domain.EventStream),
			}
			s.aggregates[stream.AggregateID] = agg
		}
		stored := *stream
		agg.byVersion[stream.Version] = &stored
		agg.byCommand[stream.CommandID] = &stored
	}
	return store.AppendSuccess, nil
}

// FindByVersion implements store.EventStore.
func (s *EventStore) FindByVersion(_ context.Context, aggregateID string, version int64) (*domain.EventStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if agg := s.aggregates[aggregateID]; agg != nil {
		return agg.byVersion[version], nil
	}
	return nil, nil
}

// FindByCommandID implements store.EventStore.
func (s *EventStore) FindByCommandID(_ context.Context, aggregateID, commandID string) (*domain.EventStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if agg := s.aggregates[aggregateID]; agg != nil {
		return agg.byCommand[commandID], nil
	}
	return nil, nil
}

// Query implements store.EventStore.
func (s *EventStore) Query(_ context.Context, aggregateID string, minVersion, maxVersion int64) ([]*domain.EventStream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := s.aggregates[aggregateID]
	if agg == nil {
		return nil, nil
	}

	var out []*domain.EventStream
	for version, stream := range agg.byVersion {
		if version < minVersion || (maxVersion > 0 && version > maxVersion) {
			continue
		}
		out = append(out, stream)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Versions returns the persisted versions of an aggregate in order.
func (s *EventStore) Versions(aggregateID string) []int64 {
	streams, _ := s.Query(context.Background(), aggregateID, 1, 0)
	versions := make([]int64, 0, len(streams))
	for _, stream := range streams {
		versions = append(versions, stream.Version)
	}
	return versions
}
