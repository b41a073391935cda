// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"sync"
	"time"
)

// SessionStore holds the ephemeral unlock state: the derived master key, the
// decrypted per-wallet secrets and the active wallet id. It never touches
// durable storage. Implementations must clear the master key and all secrets
// atomically: a reader never observes a cleared key next to a live secret.
type SessionStore interface {
	// SetMasterKey stores the derived master key.
	SetMasterKey(key []byte)

	// MasterKey returns the master key, reporting whether one is set.
	MasterKey() ([]byte, bool)

	// SetSecret stores the decrypted secret for a wallet.
	SetSecret(walletID string, secret []byte)

	// Secret returns the decrypted secret for a wallet.
	Secret(walletID string) ([]byte, bool)

	// DeleteSecret removes and wipes the decrypted secret for a wallet.
	DeleteSecret(walletID string)

	// SetActiveWallet records the active wallet id.
	SetActiveWallet(id string)

	// ActiveWallet returns the active wallet id, empty when none.
	ActiveWallet() string

	// Touch records activity, deferring idle expiry.
	Touch()

	// LastActive returns the time of the most recent activity.
	LastActive() time.Time

	// Clear wipes the master key, every secret and the active wallet id.
	Clear()
}

// MemSessionStore is the in-memory SessionStore.
type MemSessionStore struct {
	mu           sync.RWMutex
	masterKey    []byte
	secrets      map[string][]byte
	activeWallet string
	lastActive   time.Time
}

// A compile time check to ensure MemSessionStore implements the SessionStore
// interface.
var _ SessionStore = (*MemSessionStore)(nil)

// NewMemSessionStore creates an empty in-memory session store.
func NewMemSessionStore() *MemSessionStore {
	return &MemSessionStore{
		secrets: make(map[string][]byte),
	}
}

// SetMasterKey stores the derived master key.
func (s *MemSessionStore) SetMasterKey(key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zero(s.masterKey)
	s.masterKey = append([]byte(nil), key...)
	s.lastActive = time.Now()
}

// MasterKey returns the master key, reporting whether one is set.
func (s *MemSessionStore) MasterKey() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.masterKey == nil {
		return nil, false
	}

	return append([]byte(nil), s.masterKey...), true
}

// SetSecret stores the decrypted secret for a wallet.
func (s *MemSessionStore) SetSecret(walletID string, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zero(s.secrets[walletID])
	s.secrets[walletID] = append([]byte(nil), secret...)
	s.lastActive = time.Now()
}

// Secret returns the decrypted secret for a wallet.
func (s *MemSessionStore) Secret(walletID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	secret, ok := s.secrets[walletID]
	if !ok {
		return nil, false
	}

	return append([]byte(nil), secret...), true
}

// DeleteSecret removes and wipes the decrypted secret for a wallet.
func (s *MemSessionStore) DeleteSecret(walletID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	zero(s.secrets[walletID])
	delete(s.secrets, walletID)
}

// SetActiveWallet records the active wallet id.
func (s *MemSessionStore) SetActiveWallet(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeWallet = id
	s.lastActive = time.Now()
}

// ActiveWallet returns the active wallet id, empty when none.
func (s *MemSessionStore) ActiveWallet() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeWallet
}

// Touch records activity, deferring idle expiry.
func (s *MemSessionStore) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActive = time.Now()
}

// LastActive returns the time of the most recent activity.
func (s *MemSessionStore) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastActive
}

// Clear wipes the master key, every secret and the active wallet id.
func (s *MemSessionStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	zero(s.masterKey)
	s.masterKey = nil

	for id, secret := range s.secrets {
		zero(secret)
		delete(s.secrets, id)
	}

	s.activeWallet = ""
}
