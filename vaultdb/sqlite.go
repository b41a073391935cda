// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vaultdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Register pure-Go sqlite driver.
)

// sqliteDBFilename is the default sqlite vault database filename.
const sqliteDBFilename = "vault.sqlite"

// SQLiteStore is a Store backed by a SQLite database.
type SQLiteStore struct {
	sqlStore
}

// A compile time check to ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps an already opened SQLite handle, applying any pending
// migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	if err := ApplySQLiteMigrations(db); err != nil {
		return nil, fmt.Errorf("sqlite migrations: %w", err)
	}

	return &SQLiteStore{sqlStore: sqlStore{db: db}}, nil
}

// OpenSQLiteStore opens, creating if necessary, a sqlite backed store rooted
// at baseDir.
func OpenSQLiteStore(baseDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create db dir: %w", err)
	}

	dsn := filepath.Join(baseDir, sqliteDBFilename)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite db: %w", err)
	}

	// modernc sqlite serializes writes itself, but restricting the pool
	// to a single connection avoids SQLITE_BUSY on mixed workloads.
	db.SetMaxOpenConns(1)

	store, err := NewSQLiteStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}
