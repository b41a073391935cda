// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package vaultdb provides the durable storage boundary for encrypted
// keychain records. The vault never persists anything but a single
// KeychainRecord per profile, and every store operation replaces or removes
// the whole record; there are no partial updates.
package vaultdb

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrRecordNotFound is returned when no keychain record exists for
	// the requested profile.
	ErrRecordNotFound = errors.New("keychain record not found")

	// ErrNilDB is returned when a store is constructed around a nil
	// database handle.
	ErrNilDB = errors.New("nil database handle")
)

// KDFParams carries the key derivation parameters stored alongside the
// ciphertext so the master key can be re-derived on unlock.
type KDFParams struct {
	// Iterations is the PBKDF2 iteration count.
	Iterations int `json:"iterations"`
}

// KeychainRecord is the only durable artifact of a vault: the encrypted,
// serialized keychain together with everything needed to re-derive its
// master key. The plaintext keychain never touches the store.
type KeychainRecord struct {
	// Version is the record schema version.
	Version int `json:"version"`

	// KDF holds the key derivation parameters.
	KDF KDFParams `json:"kdf"`

	// Salt is the base64 encoded KDF salt.
	Salt string `json:"salt"`

	// EncryptedKeychain is the base64 encoded ciphertext of the
	// serialized keychain.
	EncryptedKeychain string `json:"encryptedKeychain"`
}

// Store is the durable keychain record store. Implementations must make
// PutKeychainRecord atomic: a reader never observes a partially written
// record.
type Store interface {
	// PutKeychainRecord creates or replaces the record for a profile.
	PutKeychainRecord(ctx context.Context, profile string,
		record KeychainRecord) error

	// GetKeychainRecord returns the record for a profile, or
	// ErrRecordNotFound.
	GetKeychainRecord(ctx context.Context,
		profile string) (KeychainRecord, error)

	// DeleteKeychainRecord removes the record for a profile. Deleting a
	// missing record is not an error.
	DeleteKeychainRecord(ctx context.Context, profile string) error
}

// MemStore is an in-memory Store used by tests and as the default for
// ephemeral profiles.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]KeychainRecord
}

// A compile time check to ensure MemStore implements the Store interface.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]KeychainRecord),
	}
}

// PutKeychainRecord creates or replaces the record for a profile.
func (m *MemStore) PutKeychainRecord(_ context.Context, profile string,
	record KeychainRecord) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[profile] = record

	return nil
}

// GetKeychainRecord returns the record for a profile.
func (m *MemStore) GetKeychainRecord(_ context.Context,
	profile string) (KeychainRecord, error) {

	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[profile]
	if !ok {
		return KeychainRecord{}, ErrRecordNotFound
	}

	return record, nil
}

// DeleteKeychainRecord removes the record for a profile.
func (m *MemStore) DeleteKeychainRecord(_ context.Context,
	profile string) error {

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, profile)

	return nil
}
