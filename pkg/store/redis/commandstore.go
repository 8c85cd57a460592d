// Package redis implements store.CommandStore on Redis so every node of a
// cluster sees the same handled commands.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// CommandStore records handled commands with SETNX.
type CommandStore struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
}

var _ store.CommandStore = (*CommandStore)(nil)

// Option configures a CommandStore.
type Option func(*CommandStore)

// WithKeyPrefix sets the key namespace (default "eventcore:command").
func WithKeyPrefix(prefix string) Option {
	return func(s *CommandStore) {
		s.prefix = prefix
	}
}

// WithTTL expires records after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *CommandStore) {
		s.ttl = ttl
	}
}

// NewCommandStore creates a command store on client.
func NewCommandStore(client redis.Cmdable, opts ...Option) *CommandStore {
	s := &CommandStore{client: client, prefix: "eventcore:command"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CommandStore) key(commandID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, commandID)
}

// Add implements store.CommandStore.
func (s *CommandStore) Add(ctx context.Context, cmd *domain.HandledCommand) (store.CommandAddResult, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return store.CommandAddSuccess, fmt.Errorf("failed to marshal handled command: %w", err)
	}

	added, err := s.client.SetNX(ctx, s.key(cmd.CommandID), data, s.ttl).Result()
	if err != nil {
		return store.CommandAddSuccess, domain.NewIOError("redis setnx", err)
	}
	if !added {
		return store.CommandAddDuplicate, nil
	}
	return store.CommandAddSuccess, nil
}

// Get implements store.CommandStore.
func (s *CommandStore) Get(ctx context.Context, commandID string) (*domain.HandledCommand, error) {
	data, err := s.client.Get(ctx, s.key(commandID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewIOError("redis get", err)
	}

	var cmd domain.HandledCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal handled command %s: %w", commandID, err)
	}
	return &cmd, nil
}
