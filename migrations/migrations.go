// Package migrations embeds the goose SQL migration sets for both supported
// stores, handed straight to goose.SetBaseFS. Split into two sub-trees
// because Postgres and SQLite need slightly different column types
// (TIMESTAMPTZ vs TEXT, BOOLEAN vs INTEGER) for the same logical schema.
package migrations

import "embed"

//go:embed postgres/*.sql
var PostgresFS embed.FS

//go:embed sqlite/*.sql
var SQLiteFS embed.FS
