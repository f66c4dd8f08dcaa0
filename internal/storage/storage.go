// Package storage persists schedules, categories and the append-only run
// ledger in SQLite.
package storage

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens the SQLite database with foreign keys enforced.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite handles one writer at a time; keep the pool honest.
	db.SetMaxOpenConns(1)
	return db, nil
}
