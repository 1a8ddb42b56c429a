package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/vigil/internal/logger"
)

// Migration is one versioned schema change. Up and Down are keyed by driver
// name because postgres and sqlite disagree on identity columns and timestamps.
type Migration struct {
	Version     int
	Description string
	Up          map[string]string
	Down        map[string]string
}

type MigrationRunner struct {
	db     *sqlx.DB
	driver string
	log    *logger.Logger
}

func NewMigrationRunner(db *sqlx.DB, log *logger.Logger) *MigrationRunner {
	return &MigrationRunner{
		db:     db,
		driver: db.DriverName(),
		log:    log,
	}
}

// GetAllMigrations returns all available migrations in order
func GetAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users, assets, scans and vulnerabilities tables",
			Up: map[string]string{
				"postgres": `
					CREATE TABLE IF NOT EXISTS users (
						id BIGSERIAL PRIMARY KEY,
						username VARCHAR(64) NOT NULL UNIQUE,
						password_hash VARCHAR(255) NOT NULL,
						created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
					);

					CREATE TABLE IF NOT EXISTS assets (
						id BIGSERIAL PRIMARY KEY,
						domain VARCHAR(128) NOT NULL,
						user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
						created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
					);
					CREATE INDEX IF NOT EXISTS idx_assets_domain ON assets(domain);
					CREATE INDEX IF NOT EXISTS idx_assets_user_id ON assets(user_id);

					CREATE TABLE IF NOT EXISTS scans (
						id BIGSERIAL PRIMARY KEY,
						asset_id BIGINT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
						status VARCHAR(16) NOT NULL DEFAULT 'PENDING'
							CHECK (status IN ('PENDING', 'RUNNING', 'COMPLETED', 'FAILED')),
						error_message TEXT NOT NULL DEFAULT '',
						created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
						started_at TIMESTAMPTZ,
						completed_at TIMESTAMPTZ
					);
					CREATE INDEX IF NOT EXISTS idx_scans_asset_id ON scans(asset_id);

					CREATE TABLE IF NOT EXISTS vulnerabilities (
						id BIGSERIAL PRIMARY KEY,
						scan_id BIGINT NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
						name VARCHAR(255) NOT NULL,
						severity VARCHAR(16) NOT NULL,
						url TEXT NOT NULL,
						ai_summary TEXT,
						ai_mitigation TEXT,
						template_id TEXT NOT NULL DEFAULT '',
						fingerprint VARCHAR(32) NOT NULL,
						created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
					);
					CREATE INDEX IF NOT EXISTS idx_vulnerabilities_scan_id ON vulnerabilities(scan_id);
					CREATE UNIQUE INDEX IF NOT EXISTS idx_vulnerabilities_scan_fingerprint
						ON vulnerabilities(scan_id, fingerprint);
				`,
				"sqlite3": `
					CREATE TABLE IF NOT EXISTS users (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						username VARCHAR(64) NOT NULL UNIQUE,
						password_hash VARCHAR(255) NOT NULL,
						created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
					);

					CREATE TABLE IF NOT EXISTS assets (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						domain VARCHAR(128) NOT NULL,
						user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
						created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
					);
					CREATE INDEX IF NOT EXISTS idx_assets_domain ON assets(domain);
					CREATE INDEX IF NOT EXISTS idx_assets_user_id ON assets(user_id);

					CREATE TABLE IF NOT EXISTS scans (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						asset_id INTEGER NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
						status VARCHAR(16) NOT NULL DEFAULT 'PENDING'
							CHECK (status IN ('PENDING', 'RUNNING', 'COMPLETED', 'FAILED')),
						error_message TEXT NOT NULL DEFAULT '',
						created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
						started_at TIMESTAMP,
						completed_at TIMESTAMP
					);
					CREATE INDEX IF NOT EXISTS idx_scans_asset_id ON scans(asset_id);

					CREATE TABLE IF NOT EXISTS vulnerabilities (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						scan_id INTEGER NOT NULL REFERENCES scans(id) ON DELETE CASCADE,
						name VARCHAR(255) NOT NULL,
						severity VARCHAR(16) NOT NULL,
						url TEXT NOT NULL,
						ai_summary TEXT,
						ai_mitigation TEXT,
						template_id TEXT NOT NULL DEFAULT '',
						fingerprint VARCHAR(32) NOT NULL,
						created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
					);
					CREATE INDEX IF NOT EXISTS idx_vulnerabilities_scan_id ON vulnerabilities(scan_id);
					CREATE UNIQUE INDEX IF NOT EXISTS idx_vulnerabilities_scan_fingerprint
						ON vulnerabilities(scan_id, fingerprint);
				`,
			},
			Down: map[string]string{
				"postgres": `
					DROP TABLE IF EXISTS vulnerabilities;
					DROP TABLE IF EXISTS scans;
					DROP TABLE IF EXISTS assets;
					DROP TABLE IF EXISTS users;
				`,
				"sqlite3": `
					DROP TABLE IF EXISTS vulnerabilities;
					DROP TABLE IF EXISTS scans;
					DROP TABLE IF EXISTS assets;
					DROP TABLE IF EXISTS users;
				`,
			},
		},
		{
			Version:     2,
			Description: "Index scan status and vulnerability severity",
			Up: map[string]string{
				"postgres": `
					CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status);
					CREATE INDEX IF NOT EXISTS idx_vulnerabilities_severity ON vulnerabilities(severity);
				`,
				"sqlite3": `
					CREATE INDEX IF NOT EXISTS idx_scans_status ON scans(status);
					CREATE INDEX IF NOT EXISTS idx_vulnerabilities_severity ON vulnerabilities(severity);
				`,
			},
			Down: map[string]string{
				"postgres": `
					DROP INDEX IF EXISTS idx_scans_status;
					DROP INDEX IF EXISTS idx_vulnerabilities_severity;
				`,
				"sqlite3": `
					DROP INDEX IF EXISTS idx_scans_status;
					DROP INDEX IF EXISTS idx_vulnerabilities_severity;
				`,
			},
		},
	}
}

func sortedMigrations() []Migration {
	all := GetAllMigrations()
	sort.Slice(all, func(i, j int) bool {
		return all[i].Version < all[j].Version
	})
	return all
}

func (mr *MigrationRunner) ensureMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			checksum TEXT NOT NULL
		);
	`

	if _, err := mr.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

func (mr *MigrationRunner) getAppliedMigrations(ctx context.Context) (map[int]bool, error) {
	applied := make(map[int]bool)

	var versions []int
	if err := mr.db.SelectContext(ctx, &versions, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}

	return applied, nil
}

// RunMigrations applies all pending migrations
func (mr *MigrationRunner) RunMigrations(ctx context.Context) error {
	mr.log.Debugw("Starting database migration check", "driver", mr.driver)

	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	applied, err := mr.getAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	all := sortedMigrations()

	pending := 0
	for _, m := range all {
		if !applied[m.Version] {
			pending++
		}
	}

	if pending == 0 {
		mr.log.Debugw("Database schema is up to date",
			"latest_version", all[len(all)-1].Version,
		)
		return nil
	}

	mr.log.Infow("Found pending migrations", "pending_count", pending)

	for _, m := range all {
		if applied[m.Version] {
			continue
		}
		if err := mr.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}

	mr.log.Infow("All migrations applied successfully", "migrations_applied", pending)
	return nil
}

func (mr *MigrationRunner) applyMigration(ctx context.Context, m Migration) error {
	up, ok := m.Up[mr.driver]
	if !ok {
		return fmt.Errorf("migration %d has no %s variant", m.Version, mr.driver)
	}

	mr.log.Infow("Applying migration",
		"version", m.Version,
		"description", m.Description,
	)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, up); err != nil {
		mr.log.Errorw("Migration failed",
			"version", m.Version,
			"error", err,
		)
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	recordQuery := tx.Rebind(`
		INSERT INTO schema_migrations (version, description, applied_at, checksum)
		VALUES (?, ?, ?, ?)
	`)
	if _, err := tx.ExecContext(ctx, recordQuery, m.Version, m.Description, time.Now().UTC(), checksum(up)); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	mr.log.Infow("Migration applied successfully", "version", m.Version)
	return nil
}

func checksum(sql string) string {
	return fmt.Sprintf("%08x", murmur3.Sum32([]byte(sql)))
}

type MigrationStatus struct {
	Version     int
	Description string
	Applied     bool
	AppliedAt   *time.Time
}

// GetMigrationStatus lists every known migration and whether it has been applied.
func (mr *MigrationRunner) GetMigrationStatus(ctx context.Context) ([]MigrationStatus, error) {
	if err := mr.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	var rows []struct {
		Version   int       `db:"version"`
		AppliedAt time.Time `db:"applied_at"`
	}
	if err := mr.db.SelectContext(ctx, &rows, "SELECT version, applied_at FROM schema_migrations"); err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	appliedAt := make(map[int]time.Time, len(rows))
	for _, r := range rows {
		appliedAt[r.Version] = r.AppliedAt
	}

	var status []MigrationStatus
	for _, m := range sortedMigrations() {
		s := MigrationStatus{Version: m.Version, Description: m.Description}
		if at, ok := appliedAt[m.Version]; ok {
			at := at
			s.Applied = true
			s.AppliedAt = &at
		}
		status = append(status, s)
	}
	return status, nil
}

// RollbackMigration reverts a single applied migration.
func (mr *MigrationRunner) RollbackMigration(ctx context.Context, version int) error {
	var target *Migration
	for _, m := range GetAllMigrations() {
		if m.Version == version {
			m := m
			target = &m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("migration %d not found", version)
	}

	down, ok := target.Down[mr.driver]
	if !ok || down == "" {
		return fmt.Errorf("migration %d has no rollback for %s", version, mr.driver)
	}

	mr.log.Warnw("Rolling back migration", "version", version)

	tx, err := mr.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM schema_migrations WHERE version = ?"), version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	return tx.Commit()
}
