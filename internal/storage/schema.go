package storage

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema creates the required tables if they don't exist.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}

	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}

	return nil
}

// migrateToV1 creates the secrets table.
// Secrets are keyed by a fixed name; the host only ever stores the bearer token.
func (s *SQLiteStore) migrateToV1() error {
	s.logger.Info("applying migration", zap.Int("version", 1))

	const secretsTable = `
		CREATE TABLE IF NOT EXISTS secrets (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`

	if _, err := s.db.Exec(secretsTable); err != nil {
		return fmt.Errorf("create secrets table: %w", err)
	}

	return s.recordMigration(1)
}

// migrateToV2 adds the index_syncs table.
// One row per successful resync lets the host tell a first sync from a resync.
func (s *SQLiteStore) migrateToV2() error {
	s.logger.Info("applying migration", zap.Int("version", 2))

	const syncsTable = `
		CREATE TABLE IF NOT EXISTS index_syncs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace TEXT NOT NULL,
			email TEXT NOT NULL,
			first_sync INTEGER NOT NULL,
			synced_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_syncs_workspace ON index_syncs(workspace, email);
	`

	if _, err := s.db.Exec(syncsTable); err != nil {
		return fmt.Errorf("create index_syncs table: %w", err)
	}

	return s.recordMigration(2)
}

func (s *SQLiteStore) recordMigration(version int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		version,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return nil
}
