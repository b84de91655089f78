package database

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB bundles the two SQLite handles the application works with: the
// per-user dataset (activities, links, cursor, settings) and the region
// reference dataset. Both are constructed once at startup and passed
// explicitly to the repositories.
type DB struct {
	User    *sql.DB
	Regions *sql.DB
}

// Open opens (creating if necessary) both database files
func Open(userPath, regionsPath string) (*DB, error) {
	user, err := open(userPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}
	// All user-dataset writes are serialized through a single connection
	user.SetMaxOpenConns(1)

	regions, err := open(regionsPath)
	if err != nil {
		user.Close()
		return nil, fmt.Errorf("failed to open regions database: %w", err)
	}
	regions.SetMaxOpenConns(4)
	regions.SetMaxIdleConns(2)

	log.Printf("[DB] Databases opened: user=%s regions=%s", userPath, regionsPath)
	return &DB{User: user, Regions: regions}, nil
}

func open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Close closes both handles
func (d *DB) Close() error {
	var firstErr error
	if err := d.User.Close(); err != nil {
		firstErr = err
	}
	if err := d.Regions.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Transaction executes a function within a database transaction
func Transaction(db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
