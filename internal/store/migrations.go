package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchemaSQL string

// A migration is one versioned schema step. Steps apply in order, each in
// its own transaction, and completed versions are recorded in schema_version
// so reruns are no-ops.
type migration struct {
	version int
	name    string
	script  string
}

var allMigrations = []migration{
	{version: 1, name: "initial_schema", script: initialSchemaSQL},
}

// runMigrations brings the database schema up to the latest version.
func runMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, m := range allMigrations {
		if m.version <= current {
			continue
		}
		if err := m.apply(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

// schemaVersion reads the highest applied migration version, 0 for a fresh
// database.
func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	row := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`)
	if err := row.Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return version, nil
}

// apply runs the migration's statements and records it, atomically.
func (m migration) apply(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d (%s): begin: %w", m.version, m.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range statements(m.script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, name) VALUES (?, ?)`,
		m.version, m.name); err != nil {
		return fmt.Errorf("migration %d (%s): record: %w", m.version, m.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migration %d (%s): commit: %w", m.version, m.name, err)
	}
	return nil
}

// statements splits a SQL script on semicolons, dropping empty chunks and
// chunks that are only `--` comments. The embedded scripts keep one
// statement per semicolon, so no literal-aware parsing is needed.
func statements(script string) []string {
	var out []string
	for _, chunk := range strings.Split(script, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		code := false
		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "--") {
				code = true
				break
			}
		}
		if code {
			out = append(out, chunk)
		}
	}
	return out
}
