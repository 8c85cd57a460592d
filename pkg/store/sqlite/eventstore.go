// Package sqlite implements the event and command stores on SQLite, using
// the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/plaenen/eventcore/pkg/domain"
	"github.com/plaenen/eventcore/pkg/store"
)

// EventStore is a SQLite implementation of store.EventStore.
type EventStore struct {
	db          *sql.DB
	batchAppend bool

	// Serializes writers so duplicate checks and inserts are not interleaved.
	mu sync.Mutex
}

var _ store.EventStore = (*EventStore)(nil)

type eventStoreConfig struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
	batchAppend  bool
}

func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:          "eventcore.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
		batchAppend:  true,
	}
}

// EventStoreOption configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:").
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMaxOpenConns sets the maximum number of open connections.
func WithMaxOpenConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the maximum number of idle connections.
func WithMaxIdleConns(n int) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.maxIdleConns = n
	}
}

// WithWALMode enables write-ahead logging. Not available for :memory:.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// WithAutoMigrate runs pending migrations on open.
func WithAutoMigrate(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.autoMigrate = enabled
	}
}

// WithBatchAppend controls whether the store advertises batch appends.
func WithBatchAppend(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.batchAppend = enabled
	}
}

// NewEventStore opens the database and prepares the schema.
//
//	// In-memory database for testing
//	store, err := sqlite.NewEventStore(
//	    sqlite.WithDSN(":memory:"),
//	    sqlite.WithWALMode(false),
//	)
func NewEventStore(opts ...EventStoreOption) (*EventStore, error) {
	config := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}

	db, err := sql.Open("sqlite", config.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to :memory: gets its own database.
	if config.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(config.maxOpenConns)
		db.SetMaxIdleConns(config.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx := context.Background()
	if config.walMode {
		if _, err := db.ExecContext(ctx, `
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA busy_timeout = 5000;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if config.autoMigrate {
		if err := runMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &EventStore{db: db, batchAppend: config.batchAppend}, nil
}

// DB returns the underlying connection pool.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *EventStore) Close() error {
	return s.db.Close()
}

// CommandStore returns a command store sharing this database.
func (s *EventStore) CommandStore() *CommandStore {
	return &CommandStore{db: s.db, mu: &s.mu}
}

// SupportsBatchAppend implements store.EventStore.
func (s *EventStore) SupportsBatchAppend() bool {
	return s.batchAppend
}

// Append implements store.EventStore.
func (s *EventStore) Append(ctx context.Context, stream *domain.EventStream) (store.AppendResult, error) {
	return s.BatchAppend(ctx, []*domain.EventStream{stream})
}

// BatchAppend implements store.EventStore. All streams are written in one
// transaction; the first duplicate aborts it.
func (s *EventStore) BatchAppend(ctx context.Context, streams []*domain.EventStream) (store.AppendResult, error) {
	if len(streams) == 0 {
		return store.AppendSuccess, nil
	}
	rows := make([]streamRow, len(streams))
	for i, stream := range streams {
		if err := stream.Validate(); err != nil {
			return store.AppendSuccess, err
		}
		row, err := toRow(stream)
		if err != nil {
			return store.AppendSuccess, err
		}
		rows[i] = row
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.AppendSuccess, domain.NewIOError("begin transaction", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		result, err := checkDuplicate(ctx, tx, row)
		if err != nil {
			return store.AppendSuccess, err
		}
		if result != store.AppendSuccess {
			return result, nil
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO event_streams (aggregate_id, aggregate_type, version, command_id, timestamp, events, items)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, row.aggregateID, row.aggregateType, row.version, row.commandID, row.timestamp, row.events, row.items)
		if err != nil {
			if result, ok := uniqueViolation(err); ok {
				return result, nil
			}
			return store.AppendSuccess, domain.NewIOError("insert event stream", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if result, ok := uniqueViolation(err); ok {
			return result, nil
		}
		return store.AppendSuccess, domain.NewIOError("commit event streams", err)
	}
	return store.AppendSuccess, nil
}

// checkDuplicate checks version uniqueness before command uniqueness.
func checkDuplicate(ctx context.Context, tx *sql.Tx, row streamRow) (store.AppendResult, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_streams WHERE aggregate_id = ? AND version = ?`,
		row.aggregateID, row.version).Scan(&n)
	if err != nil {
		return store.AppendSuccess, domain.NewIOError("check version", err)
	}
	if n > 0 {
		return store.AppendDuplicateEvent, nil
	}

	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event_streams WHERE aggregate_id = ? AND command_id = ?`,
		row.aggregateID, row.commandID).Scan(&n)
	if err != nil {
		return store.AppendSuccess, domain.NewIOError("check command", err)
	}
	if n > 0 {
		return store.AppendDuplicateCommand, nil
	}
	return store.AppendSuccess, nil
}

// uniqueViolation maps a constraint failure raised by a concurrent writer in
// another process.
func uniqueViolation(err error) (store.AppendResult, bool) {
	msg := err.Error()
	if !strings.Contains(msg, "UNIQUE constraint failed") && !strings.Contains(msg, "PRIMARY KEY") {
		return store.AppendSuccess, false
	}
	if strings.Contains(msg, "event_streams.command_id") {
		return store.AppendDuplicateCommand, true
	}
	return store.AppendDuplicateEvent, true
}

// FindByVersion implements store.EventStore.
func (s *EventStore) FindByVersion(ctx context.Context, aggregateID string, version int64) (*domain.EventStream, error) {
	row := s.db.QueryRowContext(ctx, selectStreams+` WHERE aggregate_id = ? AND version = ?`, aggregateID, version)
	return scanOne(row, "find stream by version")
}

// FindByCommandID implements store.EventStore.
func (s *EventStore) FindByCommandID(ctx context.Context, aggregateID, commandID string) (*domain.EventStream, error) {
	row := s.db.QueryRowContext(ctx, selectStreams+` WHERE aggregate_id = ? AND command_id = ?`, aggregateID, commandID)
	return scanOne(row, "find stream by command")
}

// Query implements store.EventStore.
func (s *EventStore) Query(ctx context.Context, aggregateID string, minVersion, maxVersion int64) ([]*domain.EventStream, error) {
	query := selectStreams + ` WHERE aggregate_id = ? AND version >= ?`
	args := []any{aggregateID, minVersion}
	if maxVersion > 0 {
		query += ` AND version <= ?`
		args = append(args, maxVersion)
	}
	query += ` ORDER BY version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewIOError("query streams", err)
	}
	defer rows.Close()

	var streams []*domain.EventStream
	for rows.Next() {
		var row streamRow
		if err := rows.Scan(row.fields()...); err != nil {
			return nil, domain.NewIOError("scan stream", err)
		}
		stream, err := row.toStream()
		if err != nil {
			return nil, err
		}
		streams = append(streams, stream)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewIOError("iterate streams", err)
	}
	return streams, nil
}

const selectStreams = `SELECT aggregate_id, aggregate_type, version, command_id, timestamp, events, items FROM event_streams`

type streamRow struct {
	aggregateID   string
	aggregateType string
	version       int64
	commandID     string
	timestamp     int64
	events        string
	items         string
}

func (r *streamRow) fields() []any {
	return []any{&r.aggregateID, &r.aggregateType, &r.version, &r.commandID, &r.timestamp, &r.events, &r.items}
}

func toRow(stream *domain.EventStream) (streamRow, error) {
	events, err := json.Marshal(stream.Events)
	if err != nil {
		return streamRow{}, fmt.Errorf("failed to marshal events: %w", err)
	}
	items := stream.Items
	if items == nil {
		items = map[string]string{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return streamRow{}, fmt.Errorf("failed to marshal items: %w", err)
	}
	return streamRow{
		aggregateID:   stream.AggregateID,
		aggregateType: stream.AggregateType,
		version:       stream.Version,
		commandID:     stream.CommandID,
		timestamp:     stream.Timestamp.UnixNano(),
		events:        string(events),
		items:         string(itemsJSON),
	}, nil
}

func (r streamRow) toStream() (*domain.EventStream, error) {
	stream := &domain.EventStream{
		CommandID:     r.commandID,
		AggregateID:   r.aggregateID,
		AggregateType: r.aggregateType,
		Version:       r.version,
		Timestamp:     time.Unix(0, r.timestamp).UTC(),
	}
	if err := json.Unmarshal([]byte(r.events), &stream.Events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events of %s v%d: %w", r.aggregateID, r.version, err)
	}
	if err := json.Unmarshal([]byte(r.items), &stream.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal items of %s v%d: %w", r.aggregateID, r.version, err)
	}
	if len(stream.Items) == 0 {
		stream.Items = nil
	}
	return stream, nil
}

func scanOne(row *sql.Row, op string) (*domain.EventStream, error) {
	var r streamRow
	if err := row.Scan(r.fields()...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, domain.NewIOError(op, err)
	}
	return r.toStream()
}
