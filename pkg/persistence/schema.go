package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion is the schema version created for new databases.
const CurrentSchemaVersion = 3

// initializeSchemaWithMigrations ensures the database schema is at the current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion == 0 {
		return createSchema(db)
	}
	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", currentVersion, CurrentSchemaVersion)
	}
	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

// GetSchemaVersion returns the applied schema version, or 0 for an empty database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	)`)
	if err != nil {
		return 0, fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("schema version scan error: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	if _, err := db.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, version); err != nil {
		return fmt.Errorf("database exec error: %w", err)
	}
	return nil
}

// baseSchema is the v1 layout.
var baseSchema = []string{
	`CREATE TABLE IF NOT EXISTS workers (
		id           TEXT PRIMARY KEY,
		type         TEXT NOT NULL,
		name         TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		status       TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		status     TEXT NOT NULL CHECK (status IN ('active','paused','closed')),
		topic      TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		next_seq   INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		worker_id       TEXT NOT NULL,
		active          INTEGER NOT NULL DEFAULT 1,
		joined_at       INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, worker_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id                TEXT PRIMARY KEY,
		sender            TEXT NOT NULL,
		receiver          TEXT NOT NULL,
		type              TEXT NOT NULL CHECK (type IN ('REQUEST','INFORM','PROPOSE','CONFIRM','ALERT')),
		content           TEXT NOT NULL,
		parent_message_id TEXT NOT NULL DEFAULT '',
		conversation_id   TEXT NOT NULL REFERENCES conversations(id),
		created_at        INTEGER NOT NULL,
		seq               INTEGER NOT NULL,
		metadata          TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation_order ON messages(conversation_id, created_at, seq)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_message_id)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		message_id TEXT PRIMARY KEY REFERENCES messages(id),
		receiver   TEXT NOT NULL,
		status     TEXT NOT NULL CHECK (status IN ('pending','delivered','undelivered')),
		attempts   INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_status ON deliveries(status)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id              TEXT PRIMARY KEY,
		worker_id       TEXT NOT NULL,
		ts              INTEGER NOT NULL,
		category        TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		input           TEXT NOT NULL DEFAULT '',
		output          TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		message_id      TEXT NOT NULL DEFAULT '',
		task_id         TEXT NOT NULL DEFAULT '',
		outcome         TEXT NOT NULL DEFAULT '',
		duration_ns     INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_worker ON activities(worker_id, ts)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_message ON activities(worker_id, message_id, category)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_conversation ON activities(conversation_id)`,
	// Activity records are write-once.
	`CREATE TRIGGER IF NOT EXISTS activities_no_update BEFORE UPDATE ON activities
		BEGIN SELECT RAISE(ABORT, 'activity records are append-only'); END`,
	`CREATE TABLE IF NOT EXISTS memory_items (
		id            TEXT PRIMARY KEY,
		text          TEXT NOT NULL,
		embedding     BLOB NOT NULL,
		dimensions    INTEGER NOT NULL,
		tags          TEXT NOT NULL DEFAULT '[]',
		metadata      TEXT NOT NULL DEFAULT '{}',
		created_at    INTEGER NOT NULL,
		superseded_by TEXT NOT NULL DEFAULT ''
	)`,
}

// migrations maps a target version to the statements that reach it from version-1.
var migrations = map[int][]string{
	2: {
		`ALTER TABLE memory_items ADD COLUMN importance REAL NOT NULL DEFAULT 0`,
		`ALTER TABLE memory_items ADD COLUMN expires_at INTEGER NOT NULL DEFAULT 0`,
	},
	// Messages are immutable and activity records cannot be removed.
	3: {
		`CREATE TRIGGER IF NOT EXISTS activities_no_delete BEFORE DELETE ON activities
			BEGIN SELECT RAISE(ABORT, 'activity records are append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS messages_no_update BEFORE UPDATE ON messages
			BEGIN SELECT RAISE(ABORT, 'messages are immutable'); END`,
		`CREATE TRIGGER IF NOT EXISTS messages_no_delete BEFORE DELETE ON messages
			BEGIN SELECT RAISE(ABORT, 'messages are immutable'); END`,
	},
}

func createSchema(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range baseSchema {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	for v := 2; v <= CurrentSchemaVersion; v++ {
		for _, stmt := range migrations[v] {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("failed to apply v%d layout: %w", v, err)
			}
		}
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO schema_version (version) VALUES (?)`, CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema: %w", err)
	}
	return nil
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		for _, stmt := range migrations[version] {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("migration to version %d failed: %w", version, err)
			}
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}
