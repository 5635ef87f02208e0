package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the files table if it doesn't exist.
func InitDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		name TEXT NOT NULL,
		category TEXT NOT NULL,
		size_bytes INTEGER,
		uploaded_at DATETIME,
		listed_at DATETIME NOT NULL
	)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create files table: %w", err)
	}

	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_files_entry_id ON files (entry_id)`); err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create files index: %w", err)
	}

	return db, nil
}
