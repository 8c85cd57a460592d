package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/eventcore/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

func runMigrations(ctx context.Context, db *sql.DB) error {
	m := migrate.New(db, migrationsTable)
	if err := m.LoadFromFS(migrationsFS, "migrations"); err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// MigrationVersion returns the schema version of the database.
func (s *EventStore) MigrationVersion(ctx context.Context) (int, error) {
	return migrate.New(s.db, migrationsTable).Version(ctx)
}
