package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

type Config struct {
	// Driver is "postgres" or "sqlite". Empty disables persistence.
	Driver string `mapstructure:"driver"`
	// Url is a postgres connection string or a sqlite file path.
	Url    string `mapstructure:"url"`
	Schema string `mapstructure:"schema"`
}

func (c Config) Enabled() bool {
	return c.Driver != ""
}

// DB is a database/sql handle plus the dialect the repositories must speak.
type DB struct {
	*sql.DB
	Dialect Dialect
	Schema  string
	pool    *pgxpool.Pool
}

// Open connects to the configured database.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	switch Dialect(strings.ToLower(cfg.Driver)) {
	case DialectPostgres, "postgresql", "pgx":
		pool, err := InitDB(ctx, cfg.Url, cfg.Schema)
		if err != nil {
			return nil, err
		}
		return &DB{
			DB:      stdlib.OpenDBFromPool(pool),
			Dialect: DialectPostgres,
			Schema:  cfg.Schema,
			pool:    pool,
		}, nil
	case DialectSQLite, "sqlite3":
		return openSQLite(ctx, cfg.Url)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func (d *DB) Close() error {
	err := d.DB.Close()
	if d.pool != nil {
		d.pool.Close()
	}
	return err
}

// Rebind rewrites ? placeholders into the dialect's form.
func (d *DB) Rebind(query string) string {
	if d.Dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Greatest returns the two-argument maximum function of the dialect.
func (d *DB) Greatest() string {
	if d.Dialect == DialectPostgres {
		return "GREATEST"
	}
	return "MAX"
}

func InitDB(ctx context.Context, url string, schema string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	if schema != "" {
		poolConfig.ConnConfig.RuntimeParams["search_path"] = schema
		slog.Info("Setting search_path for connection pool", "schema", schema)

		// Poolers such as PgBouncer may reset session settings between transactions
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s", pgx.Identifier{schema}.Sanitize()))
			if err != nil {
				slog.Warn("Failed to set search_path in AfterConnect", "error", err)
				return err
			}
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	slog.Info("Connected to PostgreSQL")

	return pool, nil
}

func openSQLite(ctx context.Context, path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serialises writers and keeps the pragmas below in effect.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sqlDB.ExecContext(ctx, pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	slog.Info("Opened SQLite database", "path", path)
	return &DB{DB: sqlDB, Dialect: DialectSQLite}, nil
}
