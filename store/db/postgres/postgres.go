package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	// Import the Postgres driver.
	_ "github.com/lib/pq"

	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a Postgres connection with the DSN from the profile.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	postgresDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	postgresDB.SetMaxOpenConns(25)
	postgresDB.SetMaxIdleConns(5)

	driver := DB{db: postgresDB, profile: profile}
	return &driver, nil
}

func (d *DB) GetDB() *sql.DB {
	return d.db
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) IsInitialized(ctx context.Context) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = 'api_key')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS api_key (
	id SERIAL PRIMARY KEY,
	token TEXT NOT NULL UNIQUE,
	client_name TEXT NOT NULL,
	adapter_name TEXT NOT NULL,
	system_prompt_id INTEGER,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_ts BIGINT NOT NULL,
	last_used_ts BIGINT NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS system_prompt (
	id SERIAL PRIMARY KEY,
	name TEXT NOT NULL,
	text TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	created_ts BIGINT NOT NULL,
	updated_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS session (
	session_id TEXT PRIMARY KEY,
	created_ts BIGINT NOT NULL,
	last_activity_ts BIGINT NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS message (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	ordinal BIGINT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	token_estimate INTEGER NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL,
	UNIQUE(session_id, ordinal)
);
CREATE INDEX IF NOT EXISTS idx_message_session ON message (session_id, ordinal);

CREATE TABLE IF NOT EXISTS "user" (
	id SERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	created_ts BIGINT NOT NULL
);
`

// chunkSchema needs the pgvector extension; applied separately so that a
// database without the extension still carries the admin/session tables.
const chunkSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS file_chunk (
	id BIGSERIAL PRIMARY KEY,
	file_id TEXT NOT NULL,
	file_name TEXT NOT NULL,
	chunk_idx INTEGER NOT NULL,
	content TEXT NOT NULL,
	embedding vector(1536) NOT NULL,
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_chunk_file ON file_chunk (file_id);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply postgres schema")
	}
	if _, err := d.db.ExecContext(ctx, chunkSchema); err != nil {
		return errors.Wrap(err, "failed to apply pgvector chunk schema")
	}
	return nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}
