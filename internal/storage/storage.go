// Package storage provides persistent swap storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DBFileName is the SQLite database file inside the data directory.
const DBFileName = "swaps.db"

// Storage provides persistent storage for swap records and their
// transition history.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Swap snapshots. Amounts are decimal TEXT so no precision is lost.
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		state TEXT NOT NULL,
		token TEXT NOT NULL,

		amount_in TEXT,
		amount_out TEXT,
		fee TEXT,

		hash_lock TEXT,
		escrow_id TEXT,
		escrow_tx TEXT,
		timeout INTEGER,

		-- 1 once the escrow lock is confirmed
		committed INTEGER NOT NULL DEFAULT 0,

		-- Quote, proof and outcome details (JSON)
		data TEXT,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_state ON swaps(state);
	CREATE INDEX IF NOT EXISTS idx_swaps_escrow ON swaps(escrow_id);

	-- Transition history, one row per state change
	CREATE TABLE IF NOT EXISTS swap_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		swap_id TEXT NOT NULL,
		from_state TEXT,
		to_state TEXT NOT NULL,
		detail TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (swap_id) REFERENCES swaps(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_swap_events_swap ON swap_events(swap_id);

	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.runMigrations()
}

// migrations are applied in order; the index+1 is the schema version.
var migrations = []string{
	"ALTER TABLE swaps ADD COLUMN claimed_by TEXT",
	"ALTER TABLE swaps ADD COLUMN last_error TEXT",
}

// runMigrations applies schema migrations that have not been recorded yet.
func (s *Storage) runMigrations() error {
	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1

		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", version, time.Now().Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Storage) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v)
	return v, err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
