package database

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Migrator handles database schema migrations
type Migrator interface {
	// Migrate applies all pending migrations
	Migrate(ctx context.Context) error

	// CurrentVersion returns the current schema version
	CurrentVersion(ctx context.Context) (int, error)

	// GetAppliedMigrations returns a list of all applied migrations
	GetAppliedMigrations(ctx context.Context) ([]MigrationInfo, error)
}

// MigrationInfo describes an applied migration
type MigrationInfo struct {
	Version   int
	Name      string
	AppliedAt string
}

// migration represents a single database migration
type migration struct {
	version int
	name    string
	up      string
}

// migrator implements the Migrator interface
type migrator struct {
	db         *DB
	migrations []migration
}

// NewMigrator creates a new database migrator
func NewMigrator(db *DB) Migrator {
	return &migrator{
		db:         db,
		migrations: getMigrations(),
	}
}

// getMigrations returns all available migrations in order.
// Migrations are additive only: new tables or new nullable columns.
// Existing rows must remain valid under every later version.
func getMigrations() []migration {
	migrations := []migration{
		{
			version: 1,
			name:    "mission_ledger",
			up:      getMissionLedgerSchema(),
		},
		{
			version: 2,
			name:    "lane_sessions",
			up:      getLaneSessionsSchema(),
		},
		{
			version: 3,
			name:    "mission_source_context",
			up:      getMissionSourceContextSchema(),
		},
		// Future migrations will be added here
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations
}

// getMissionLedgerSchema returns the initial missions and mission_events tables.
func getMissionLedgerSchema() string {
	return `
-- Missions: one row per delegated unit of work
CREATE TABLE IF NOT EXISTS missions (
    id TEXT PRIMARY KEY,
    vp_id TEXT NOT NULL,
    mission_type TEXT NOT NULL DEFAULT 'general_task',
    objective TEXT NOT NULL,
    constraints TEXT,
    budget TEXT,
    payload TEXT,
    idempotency_key TEXT,
    status TEXT NOT NULL DEFAULT 'queued'
        CHECK (status IN ('queued', 'running', 'completed', 'failed', 'cancelled')),
    priority INTEGER NOT NULL DEFAULT 100,
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    cancel_reason TEXT,
    result_ref TEXT,
    error TEXT,
    attempts INTEGER NOT NULL DEFAULT 0,
    lease_expires_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);

-- Re-dispatch with the same (vp_id, idempotency_key) must find the existing row
CREATE UNIQUE INDEX IF NOT EXISTS idx_missions_idempotency
    ON missions(vp_id, idempotency_key)
    WHERE idempotency_key IS NOT NULL;

-- Claim scan: oldest eligible queued mission per lane
CREATE INDEX IF NOT EXISTS idx_missions_claim
    ON missions(vp_id, status, priority, created_at);

CREATE INDEX IF NOT EXISTS idx_missions_status ON missions(status);

-- Mission events: append-only, ordered per mission, never mutated
CREATE TABLE IF NOT EXISTS mission_events (
    id TEXT PRIMARY KEY,
    mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    payload TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_mission_events_mission
    ON mission_events(mission_id, created_at);
`
}

// getLaneSessionsSchema returns the lane session (control-plane lease) table.
func getLaneSessionsSchema() string {
	return `
-- Lane sessions: one row per lane, adopted across process restarts
CREATE TABLE IF NOT EXISTS lane_sessions (
    vp_id TEXT PRIMARY KEY,
    lease_owner TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active'
        CHECK (status IN ('active', 'expired')),
    lease_expires_at TIMESTAMP NOT NULL,
    last_heartbeat_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
}

// getMissionSourceContextSchema adds nullable source-context columns to missions.
func getMissionSourceContextSchema() string {
	return `
ALTER TABLE missions ADD COLUMN source_session_id TEXT;
ALTER TABLE missions ADD COLUMN source_turn_id TEXT;
ALTER TABLE missions ADD COLUMN reply_mode TEXT;
ALTER TABLE missions ADD COLUMN handoff_root TEXT;
`
}

// Migrate applies all pending migrations
func (m *migrator) Migrate(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, mig := range m.migrations {
		if mig.version <= currentVersion {
			continue // Skip already applied migrations
		}

		if err := m.applyMigration(ctx, mig); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", mig.version, mig.name, err)
		}
	}

	return nil
}

// CurrentVersion returns the current schema version
func (m *migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	var version int
	query := "SELECT COALESCE(MAX(version), 0) FROM migrations"
	err := m.db.conn.QueryRowContext(ctx, query).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current version: %w", err)
	}

	return version, nil
}

// GetAppliedMigrations returns a list of all applied migrations
func (m *migrator) GetAppliedMigrations(ctx context.Context) ([]MigrationInfo, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	rows, err := m.db.conn.QueryContext(ctx,
		"SELECT version, name, applied_at FROM migrations ORDER BY version ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var applied []MigrationInfo
	for rows.Next() {
		var info MigrationInfo
		if err := rows.Scan(&info.Version, &info.Name, &info.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		applied = append(applied, info)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}

	return applied, nil
}

// ensureMigrationsTable creates the migrations table if it doesn't exist
func (m *migrator) ensureMigrationsTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	_, err := m.db.conn.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	return nil
}

// applyMigration applies a single migration within a transaction
func (m *migrator) applyMigration(ctx context.Context, mig migration) error {
	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		// Split by semicolon to handle multiple statements
		for _, stmt := range splitSQL(mig.up) {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			cleanStmt := removeComments(stmt)
			if cleanStmt == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, cleanStmt); err != nil {
				return fmt.Errorf("failed to execute statement: %w\nStatement: %s", err, cleanStmt)
			}
		}

		_, err := tx.ExecContext(ctx,
			"INSERT INTO migrations (version, name, applied_at) VALUES (?, ?, CURRENT_TIMESTAMP)",
			mig.version, mig.name)
		if err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}

		return nil
	})
}

// splitSQL splits a migration script into individual statements
func splitSQL(script string) []string {
	return strings.Split(script, ";")
}

// removeComments strips SQL comment lines from a statement
func removeComments(stmt string) string {
	var lines []string
	for _, line := range strings.Split(stmt, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "--") {
			continue
		}
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
