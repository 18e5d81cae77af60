package sqlite

import "embed"

// migrationsFS embeds the store's forward/backward SQL migrations so the
// schema travels with the binary rather than depending on the process's
// working directory (spec.md §4.1). Table layout is grounded on the
// teacher's v2.0 Postgres schema, translated to SQLite types (JSONB -> TEXT,
// BYTEA -> BLOB, SERIAL -> INTEGER PRIMARY KEY) and extended with the full
// data model. FTS5, synced via triggers, stands in for tsvector/GIN.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsDir = "migrations"
