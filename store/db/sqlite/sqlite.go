package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/orbitgw/orbit/internal/profile"
	"github.com/orbitgw/orbit/store"
)

// SQLite backs single-node deployments and development. Vector search over
// file chunks runs in the application layer (no pgvector here); concurrent
// writes are serialized by the single-connection pool plus WAL mode.

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the sqlite database named by the profile DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	// With the modernc.org/sqlite driver each pragma must be prefixed with
	// `_pragma=`. WAL journal mode prevents locking issues; busy_timeout
	// covers the rare concurrent writer.
	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// Single connection is optimal for sqlite with WAL.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	driver := DB{db: sqliteDB, profile: profile}
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
	err := d.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type='table' AND name='api_key')").Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check if database is initialized")
	}
	return exists, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS api_key (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	token TEXT NOT NULL UNIQUE,
	client_name TEXT NOT NULL,
	adapter_name TEXT NOT NULL,
	system_prompt_id INTEGER,
	active INTEGER NOT NULL DEFAULT 1,
	created_ts BIGINT NOT NULL,
	last_used_ts BIGINT NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS system_prompt (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	ordinal BIGINT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	blocked INTEGER NOT NULL DEFAULT 0,
	token_estimate INTEGER NOT NULL DEFAULT 0,
	created_ts BIGINT NOT NULL,
	UNIQUE(session_id, ordinal)
);
CREATE INDEX IF NOT EXISTS idx_message_session ON message (session_id, ordinal);

CREATE TABLE IF NOT EXISTS user (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'member',
	created_ts BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS file_chunk (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_id TEXT NOT NULL,
	file_name TEXT NOT NULL,
	chunk_idx INTEGER NOT NULL,
	content TEXT NOT NULL,
	embedding TEXT NOT NULL,
	created_ts BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_chunk_file ON file_chunk (file_id);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply sqlite schema")
	}
	return nil
}
