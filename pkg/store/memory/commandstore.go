package memory

import (
	"context"
	"sync"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// CommandStore is an in-memory store.CommandStore.
type CommandStore struct {
	mu       sync.RWMutex
	commands map[string]*domain.HandledCommand
}

// NewCommandStore creates an empty command store.
func NewCommandStore() *CommandStore {
	return &CommandStore{commands: make(map[string]*domain.HandledCommand)}
}

// Add implements store.CommandStore.
func (s *CommandStore) Add(_ context.Context, cmd *domain.HandledCommand) (store.CommandAddResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.commands[cmd.CommandID]; exists {
		return store.CommandAddDuplicate, nil
	}
	stored := *cmd
	s.commands[cmd.CommandID] = &stored
	return store.CommandAddSuccess, nil
}

// Get implements store.CommandStore.
func (s *CommandStore) Get(_ context.Context, commandID string) (*domain.HandledCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commands[commandID], nil
}
