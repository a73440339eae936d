package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// RunMigrations applies all pending migrations. The SQL is written to be
// valid for both postgres and sqlite.
func RunMigrations(ctx context.Context, d *DB) error {
	slog.Info("Running database migrations...", "dialect", d.Dialect)

	dialect := goose.DialectSQLite3
	if d.Dialect == DialectPostgres {
		dialect = goose.DialectPostgres
		schema := d.Schema
		if schema == "" {
			schema = "public"
		}
		if err := ensureSchemaExists(ctx, d, schema); err != nil {
			return err
		}
	}

	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(dialect, d.DB, migrations)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	slog.Info("Database migrations completed successfully", "applied", len(results))
	return nil
}

func ensureSchemaExists(ctx context.Context, d *DB, schema string) error {
	query := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{schema}.Sanitize()
	if _, err := d.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	slog.Info("Schema is ready", "schema", schema)
	return nil
}
