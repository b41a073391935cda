// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vaultdb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb" // Register bdb driver.
)

const (
	// boltDriver is the walletdb driver name used for the bolt backend.
	boltDriver = "bdb"

	// boltDBFilename is the default vault database filename.
	boltDBFilename = "vault.db"

	// defaultBoltTimeout is how long to wait for the file lock when
	// opening the database.
	defaultBoltTimeout = 10 * time.Second
)

// keychainBucketKey is the top level bucket holding keychain records keyed
// by profile name.
var keychainBucketKey = []byte("keychain-records")

// BoltStore is a Store backed by a bbolt key/value database. Each record is
// stored as JSON under its profile name, and bbolt's transactional writes
// make record replacement atomic.
type BoltStore struct {
	db walletdb.DB
}

// A compile time check to ensure BoltStore implements the Store interface.
var _ Store = (*BoltStore)(nil)

// OpenBoltStore opens, creating if necessary, a bolt backed store rooted at
// baseDir.
func OpenBoltStore(baseDir string) (*BoltStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("unable to create db dir: %w", err)
	}

	dbPath := filepath.Join(baseDir, boltDBFilename)

	db, err := walletdb.Create(
		boltDriver, dbPath, true, defaultBoltTimeout, false,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to open bolt db: %w", err)
	}

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(keychainBucketKey)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// PutKeychainRecord creates or replaces the record for a profile.
func (b *BoltStore) PutKeychainRecord(_ context.Context, profile string,
	record KeychainRecord) error {

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("unable to encode record: %w", err)
	}

	return walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(keychainBucketKey)
		return bucket.Put([]byte(profile), raw)
	})
}

// GetKeychainRecord returns the record for a profile.
func (b *BoltStore) GetKeychainRecord(_ context.Context,
	profile string) (KeychainRecord, error) {

	var record KeychainRecord

	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		bucket := tx.ReadBucket(keychainBucketKey)

		raw := bucket.Get([]byte(profile))
		if raw == nil {
			return ErrRecordNotFound
		}

		return json.Unmarshal(raw, &record)
	})
	if err != nil {
		return KeychainRecord{}, err
	}

	return record, nil
}

// DeleteKeychainRecord removes the record for a profile.
func (b *BoltStore) DeleteKeychainRecord(_ context.Context,
	profile string) error {

	return walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		bucket := tx.ReadWriteBucket(keychainBucketKey)
		return bucket.Delete([]byte(profile))
	})
}

// Close releases the underlying database handle.
func (b *BoltStore) Close() error {
	return b.db.Close()
}
