// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vaultdb

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver.
)

// PostgresStore is a Store backed by a PostgreSQL database.
type PostgresStore struct {
	sqlStore
}

// A compile time check to ensure PostgresStore implements the Store
// interface.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an already opened Postgres handle, applying any
// pending migrations.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, ErrNilDB
	}

	if err := ApplyPostgresMigrations(db); err != nil {
		return nil, fmt.Errorf("postgres migrations: %w", err)
	}

	return &PostgresStore{sqlStore: sqlStore{db: db}}, nil
}

// OpenPostgresStore connects to the database described by the connection
// string and applies any pending migrations.
func OpenPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to open postgres db: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to reach postgres: %w", err)
	}

	store, err := NewPostgresStore(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}
