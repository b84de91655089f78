package database

import (
	"database/sql"
	"fmt"
	"log"
)

// Migration represents a database migration
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// UserMigrations defines the schema of the per-user dataset
var UserMigrations = []Migration{
	{
		Version: 1,
		Name:    "001_user_schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS activities (
				id INTEGER PRIMARY KEY,
				name TEXT,
				type TEXT,
				start_time INTEGER NOT NULL DEFAULT 0,
				distance REAL NOT NULL DEFAULT 0,
				track_fetched INTEGER NOT NULL DEFAULT 0,
				has_track INTEGER NOT NULL DEFAULT 0,
				track_points TEXT,
				processed INTEGER NOT NULL DEFAULT 0,
				created_at TEXT DEFAULT (datetime('now')),
				updated_at TEXT DEFAULT (datetime('now'))
			);

			CREATE TABLE IF NOT EXISTS activity_regions (
				activity_id INTEGER NOT NULL,
				region_id TEXT NOT NULL,
				level TEXT NOT NULL,
				first_visit INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (activity_id, region_id),
				FOREIGN KEY (activity_id) REFERENCES activities(id)
			);
			CREATE INDEX IF NOT EXISTS idx_activity_regions_region
				ON activity_regions(region_id);
			CREATE INDEX IF NOT EXISTS idx_activity_regions_level
				ON activity_regions(level);

			CREATE TABLE IF NOT EXISTS sync_cursor (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				last_start_time INTEGER NOT NULL DEFAULT 0,
				cooldown_until INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT DEFAULT (datetime('now'))
			);

			CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);
		`,
	},
}

// RegionMigrations defines the schema of the region reference dataset
var RegionMigrations = []Migration{
	{
		Version: 1,
		Name:    "001_region_schema",
		SQL: `
			CREATE TABLE IF NOT EXISTS lau_regions (
				lau_id TEXT PRIMARY KEY,
				name TEXT,
				country_code TEXT,
				geometry TEXT
			);

			CREATE TABLE IF NOT EXISTS nuts_regions (
				nuts_code TEXT PRIMARY KEY,
				name TEXT,
				level INTEGER NOT NULL,
				country_code TEXT,
				geometry TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_nuts_regions_level
				ON nuts_regions(level);

			CREATE TABLE IF NOT EXISTS lau_nuts_mapping (
				lau_id TEXT PRIMARY KEY,
				nuts0_code TEXT NOT NULL,
				nuts1_code TEXT NOT NULL,
				nuts2_code TEXT NOT NULL,
				nuts3_code TEXT NOT NULL
			);
		`,
	},
}

// Migrate applies all pending migrations to the given database
func Migrate(db *sql.DB, migrations []Migration) error {
	if err := initMigrationsTable(db); err != nil {
		return err
	}

	applied, err := appliedMigrations(db)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return err
		}
	}

	return nil
}

func initMigrationsTable(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	if _, err := db.Exec(query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func appliedMigrations(db *sql.DB) (map[int]bool, error) {
	rows, err := db.Query("SELECT version FROM migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func applyMigration(db *sql.DB, migration Migration) error {
	err := Transaction(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(migration.SQL); err != nil {
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}
		if _, err := tx.Exec("INSERT INTO migrations (version, name) VALUES (?, ?)",
			migration.Version, migration.Name); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Printf("[DB] Applied migration %d: %s", migration.Version, migration.Name)
	return nil
}
