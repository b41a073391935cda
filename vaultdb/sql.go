// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vaultdb

import (
	"context"
	"database/sql"
	"fmt"
)

// Record access is a single-row upsert/select/delete keyed by profile, so
// both SQL backends share the same statements. Postgres and SQLite both
// understand the ON CONFLICT clause used here.
const (
	upsertRecordStmt = `
		INSERT INTO keychain_records (
			profile, version, kdf_iterations, salt,
			encrypted_keychain
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (profile) DO UPDATE SET
			version = EXCLUDED.version,
			kdf_iterations = EXCLUDED.kdf_iterations,
			salt = EXCLUDED.salt,
			encrypted_keychain = EXCLUDED.encrypted_keychain`

	selectRecordStmt = `
		SELECT version, kdf_iterations, salt, encrypted_keychain
		FROM keychain_records WHERE profile = $1`

	deleteRecordStmt = `DELETE FROM keychain_records WHERE profile = $1`
)

// execInTx runs fn inside a database transaction, committing on success and
// rolling back on error.
func execInTx(ctx context.Context, db *sql.DB,
	fn func(tx *sql.Tx) error) error {

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w, rollback err: %v",
				err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// sqlStore implements Store on top of a *sql.DB. Both the SQLite and
// Postgres stores embed it.
type sqlStore struct {
	db *sql.DB
}

// PutKeychainRecord creates or replaces the record for a profile.
func (s *sqlStore) PutKeychainRecord(ctx context.Context, profile string,
	record KeychainRecord) error {

	return execInTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(
			ctx, upsertRecordStmt, profile, record.Version,
			record.KDF.Iterations, record.Salt,
			record.EncryptedKeychain,
		)
		return err
	})
}

// GetKeychainRecord returns the record for a profile.
func (s *sqlStore) GetKeychainRecord(ctx context.Context,
	profile string) (KeychainRecord, error) {

	var record KeychainRecord

	row := s.db.QueryRowContext(ctx, selectRecordStmt, profile)
	err := row.Scan(
		&record.Version, &record.KDF.Iterations, &record.Salt,
		&record.EncryptedKeychain,
	)
	switch {
	case err == sql.ErrNoRows:
		return KeychainRecord{}, ErrRecordNotFound

	case err != nil:
		return KeychainRecord{}, fmt.Errorf("scan record: %w", err)
	}

	return record, nil
}

// DeleteKeychainRecord removes the record for a profile.
func (s *sqlStore) DeleteKeychainRecord(ctx context.Context,
	profile string) error {

	_, err := s.db.ExecContext(ctx, deleteRecordStmt, profile)
	return err
}

// Close releases the underlying database handle.
func (s *sqlStore) Close() error {
	return s.db.Close()
}
