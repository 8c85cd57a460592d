package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// CommandStore is a SQLite implementation of store.CommandStore.
// Obtain one from EventStore.CommandStore.
type CommandStore struct {
	db *sql.DB
	mu *sync.Mutex
}

var _ store.CommandStore = (*CommandStore)(nil)

// Add implements store.CommandStore.
func (s *CommandStore) Add(ctx context.Context, cmd *domain.HandledCommand) (store.CommandAddResult, error) {
	var message sql.NullString
	if cmd.Message != nil {
		data, err := json.Marshal(cmd.Message)
		if err != nil {
			return store.CommandAddSuccess, fmt.Errorf("failed to marshal message: %w", err)
		}
		message = sql.NullString{String: string(data), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO handled_commands (command_id, aggregate_id, message, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (command_id) DO NOTHING
	`, cmd.CommandID, cmd.AggregateID, message, time.Now().UnixNano())
	if err != nil {
		return store.CommandAddSuccess, domain.NewIOError("insert handled command", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return store.CommandAddSuccess, domain.NewIOError("insert handled command", err)
	}
	if n == 0 {
		return store.CommandAddDuplicate, nil
	}
	return store.CommandAddSuccess, nil
}

// Get implements store.CommandStore.
func (s *CommandStore) Get(ctx context.Context, commandID string) (*domain.HandledCommand, error) {
	var (
		cmd     domain.HandledCommand
		message sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT command_id, aggregate_id, message FROM handled_commands WHERE command_id = ?`, commandID,
	).Scan(&cmd.CommandID, &cmd.AggregateID, &message)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewIOError("get handled command", err)
	}

	if message.Valid {
		cmd.Message = &domain.ApplicationMessage{}
		if err := json.Unmarshal([]byte(message.String), cmd.Message); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message of command %s: %w", commandID, err)
		}
	}
	return &cmd, nil
}
