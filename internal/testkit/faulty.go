// Package testkit holds store and publisher wrappers that inject failures,
// for tests of the recovery paths.
package testkit

import (
	"context"
	"errors"
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// ErrInjected is the cause of every injected I/O failure.
var ErrInjected = errors.New("injected failure")

// AppendHook runs before an append reaches the wrapped store. Returning
// handled=true skips the store and reports result and err instead.
type AppendHook func(ctx context.Context, streams []*domain.EventStream) (result store.AppendResult, handled bool, err error)

// FaultyEventStore wraps a store.EventStore and lets tests intercept calls.
type FaultyEventStore struct {
	store.EventStore

	mu          sync.Mutex
	appendHooks []AppendHook
	ioFailures  map[string]int
	calls       map[string]int
}

// NewFaultyEventStore wraps next.
func NewFaultyEventStore(next store.EventStore) *FaultyEventStore {
	return &FaultyEventStore{
		EventStore: next,
		ioFailures: make(map[string]int),
		calls:      make(map[string]int),
	}
}

// OnAppend queues a hook consumed by the next Append or BatchAppend call.
func (s *FaultyEventStore) OnAppend(hook AppendHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendHooks = append(s.appendHooks, hook)
}

// FailNext makes the next n calls of op fail with an I/O error. op is one of
// "Append", "BatchAppend", "FindByVersion", "FindByCommandID" and "Query".
func (s *FaultyEventStore) FailNext(op string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ioFailures[op] += n
}

// Calls returns how often op was called, failed calls included.
func (s *FaultyEventStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *FaultyEventStore) enter(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	if s.ioFailures[op] > 0 {
		s.ioFailures[op]--
		return domain.NewIOError(op, ErrInjected)
	}
	return nil
}

func (s *FaultyEventStore) nextHook() AppendHook {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.appendHooks) == 0 {
		return nil
	}
	hook := s.appendHooks[0]
	s.appendHooks = s.appendHooks[1:]
	return hook
}

func (s *FaultyEventStore) Append(ctx context.Context, stream *domain.EventStream) (store.AppendResult, error) {
	if err := s.enter("Append"); err != nil {
		return store.AppendSuccess, err
	}
	if hook := s.nextHook(); hook != nil {
		if result, handled, err := hook(ctx, []*domain.EventStream{stream}); handled {
			return result, err
		}
	}
	return s.EventStore.Append(ctx, stream)
}

func (s *FaultyEventStore) BatchAppend(ctx context.Context, streams []*domain.EventStream) (store.AppendResult, error) {
	if err := s.enter("BatchAppend"); err != nil {
		return store.AppendSuccess, err
	}
	if hook := s.nextHook(); hook != nil {
		if result, handled, err := hook(ctx, streams); handled {
			return result, err
		}
	}
	return s.EventStore.BatchAppend(ctx, streams)
}

func (s *FaultyEventStore) FindByVersion(ctx context.Context, aggregateID string, version int64) (*domain.EventStream, error) {
	if err := s.enter("FindByVersion"); err != nil {
		return nil, err
	}
	return s.EventStore.FindByVersion(ctx, aggregateID, version)
}

func (s *FaultyEventStore) FindByCommandID(ctx context.Context, aggregateID, commandID string) (*domain.EventStream, error) {
	if err := s.enter("FindByCommandID"); err != nil {
		return nil, err
	}
	return s.EventStore.FindByCommandID(ctx, aggregateID, commandID)
}

func (s *FaultyEventStore) Query(ctx context.Context, aggregateID string, minVersion, maxVersion int64) ([]*domain.EventStream, error) {
	if err := s.enter("Query"); err != nil {
		return nil, err
	}
	return s.EventStore.Query(ctx, aggregateID, minVersion, maxVersion)
}

// PersistThenFail appends the streams for real and then reports an error, the
// way a connection dropped after commit looks to the caller.
func PersistThenFail(next store.EventStore) AppendHook {
	return func(ctx context.Context, streams []*domain.EventStream) (store.AppendResult, bool, error) {
		if _, err := next.BatchAppend(ctx, streams); err != nil {
			return store.AppendSuccess, true, err
		}
		return store.AppendSuccess, true, domain.NewIOError("append", ErrInjected)
	}
}

// Report returns a hook answering result without touching the store.
func Report(result store.AppendResult) AppendHook {
	return func(context.Context, []*domain.EventStream) (store.AppendResult, bool, error) {
		return result, true, nil
	}
}
