// Package store persists the development server's activities and refresh tokens in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// timeLayout sorts lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ErrNotFound is returned when a row does not exist in the caller's organization.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite handle shared by the stores.
type DB struct {
	sql *sql.DB
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("database path is required")
	}
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps :memory: databases coherent and serializes writers.
	conn.SetMaxOpenConns(1)
	db := &DB{sql: conn}
	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS activities (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			organization_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			message TEXT NOT NULL,
			object_type TEXT NOT NULL DEFAULT '',
			object_id TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT '{}',
			actor_id TEXT NOT NULL,
			actor_name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS refresh_tokens (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_activities_org ON activities(organization_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_refresh_tokens_user ON refresh_tokens(user_id);
	`
	_, err := db.sql.ExecContext(ctx, schema)
	return err
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Close closes the database.
func (db *DB) Close() error {
	return db.sql.Close()
}
