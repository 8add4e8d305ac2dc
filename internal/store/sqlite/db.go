// Package sqlite implements Krypton's repository interfaces against an
// embedded SQLite file, for single-node deployments that don't want to run
// a separate Postgres instance. Each repository's constructor takes a *DB
// and its methods map 1:1 onto the corresponding domain.*Repository,
// expressed over database/sql rather than pgx.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/pressly/goose/v3"

	"go.krypton.dev/krypton/migrations"
)

// DB wraps a *sql.DB opened against the modernc.org/sqlite pure-Go driver.
type DB struct{ Conn *sql.DB }

// Open opens (creating if absent) the SQLite file at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// SQLite serializes writers at the file level; a single connection
	// avoids SQLITE_BUSY under concurrent session goroutines.
	conn.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations.SQLiteFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, conn, "sqlite"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &DB{Conn: conn}, nil
}

// Close releases the connection.
func (db *DB) Close() error { return db.Conn.Close() }

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
