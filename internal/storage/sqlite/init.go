package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	// cgo driver, registered as "sqlite3".
	_ "github.com/mattn/go-sqlite3"
	// pure Go driver, registered as "sqlite".
	_ "modernc.org/sqlite"
)

const (
	DriverCGO  = "sqlite3"
	DriverPure = "sqlite"
)

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS releases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		release_date TEXT,
		is_current INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS datasets (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		data_type TEXT NOT NULL DEFAULT '',
		download_entry_url TEXT NOT NULL DEFAULT '',
		updated_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		url TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		md5 TEXT NOT NULL DEFAULT '',
		release_id TEXT NOT NULL DEFAULT '',
		dataset_id TEXT NOT NULL DEFAULT '',
		data_type TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'not_started',
		prev_state TEXT,
		local_digest TEXT NOT NULL DEFAULT '',
		local_path TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		locked_by TEXT,
		claimed_at TEXT,
		updated_at TEXT,
		UNIQUE (name, release_id, dataset_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_release ON files (release_id)`,
	`CREATE INDEX IF NOT EXISTS idx_files_data_type ON files (data_type)`,
	`CREATE TABLE IF NOT EXISTS cell_lines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		lineage TEXT NOT NULL DEFAULT '',
		tissue TEXT NOT NULL DEFAULT '',
		datasets_available TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS gene_dependencies (
		entrez_id INTEGER NOT NULL,
		gene TEXT NOT NULL,
		dataset TEXT NOT NULL,
		dependent_cell_lines REAL NOT NULL DEFAULT 0,
		cell_lines_with_data REAL NOT NULL DEFAULT 0,
		strongly_selective INTEGER NOT NULL DEFAULT 0,
		common_essential INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (entrez_id, dataset)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_gene_dependencies_gene ON gene_dependencies (gene)`,
	`CREATE TABLE IF NOT EXISTS sync_state (
		category TEXT PRIMARY KEY,
		synced_at TEXT NOT NULL
	)`,
}

// InitDB opens the SQLite database at path with the given driver and applies the schema.
func InitDB(ctx context.Context, driver, path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn, err := buildDSN(driver, path)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return db, nil
}

func buildDSN(driver, path string) (string, error) {
	switch driver {
	case DriverCGO:
		return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path), nil
	case DriverPure:
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path), nil
	}

	return "", fmt.Errorf("unsupported database driver: %s", driver)
}
