// Package postgres implements Krypton's repository interfaces against
// PostgreSQL via pgx, for operators who want a networked SQL store instead
// of the embedded internal/store/sqlite option. Wraps pgxpool with a
// unique-violation-to-sentinel error mapping shared by all three tables.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"go.krypton.dev/krypton/migrations"
)

// Pool is a minimal abstraction over a Postgres connection pool, used by
// repositories so they can be exercised against pgxmock in tests if needed.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// DB wraps a connection pool and exposes it to repository constructors.
type DB struct{ Pool Pool }

// Open creates a connection pool for dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := migrate(ctx, dsn); err != nil {
		pool.Close()
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// migrate applies every pending goose migration from the embedded Postgres
// migration set using a throwaway database/sql handle (goose operates on
// *sql.DB, not a pgxpool.Pool).
func migrate(ctx context.Context, dsn string) error {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres: open migration handle: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.PostgresFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "postgres"); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (db *DB) Close() { db.Pool.Close() }

// isUniqueViolation reports whether err is a unique-constraint violation
// (Postgres error code 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
