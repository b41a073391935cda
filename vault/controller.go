// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/keysuite/keyvault/vaultdb"
)

// resultChan is a generic channel for returning errors to callers.
type resultChan chan error

// createKeychainReq requests creation of a fresh keychain.
type createKeychainReq struct {
	password []byte
	resp     resultChan
}

// unlockReq requests the keychain to be unlocked.
type unlockReq struct {
	password []byte
	resp     resultChan
}

// lockReq requests the keychain to be locked.
type lockReq struct {
	resp resultChan
}

// updatePasswordReq requests a password rotation.
type updatePasswordReq struct {
	oldPassword []byte
	newPassword []byte
	resp        resultChan
}

// verifyPasswordReq requests a password check without state mutation.
type verifyPasswordReq struct {
	password []byte
	resp     resultChan
}

// updateSettingsReq requests a settings update.
type updateSettingsReq struct {
	settings Settings
	resp     resultChan
}

// newLockReq creates a new lock request with a buffered response channel.
// The buffer ensures the main loop never blocks when reporting the result.
func newLockReq() lockReq {
	return lockReq{resp: make(resultChan, 1)}
}

// CreateKeychain creates a fresh, empty keychain protected by the password
// and leaves it unlocked. Fails if a keychain already exists.
func (m *Manager) CreateKeychain(ctx context.Context, password []byte) error {
	if err := m.state.validateStarted(); err != nil {
		return err
	}

	r := createKeychainReq{
		password: password,
		resp:     make(resultChan, 1),
	}

	if err := m.sendReq(ctx, r); err != nil {
		return err
	}

	return m.waitForResp(ctx, r.resp)
}

// UnlockKeychain unlocks the keychain with the password. On success the
// last active wallet, or the first wallet when none is recorded, is selected
// implicitly.
func (m *Manager) UnlockKeychain(ctx context.Context, password []byte) error {
	if err := m.state.validateStarted(); err != nil {
		return err
	}

	r := unlockReq{
		password: password,
		resp:     make(resultChan, 1),
	}

	if err := m.sendReq(ctx, r); err != nil {
		return err
	}

	return m.waitForResp(ctx, r.resp)
}

// LockKeychain locks the keychain, synchronously wiping the master key,
// every decrypted secret and all derived address sets. Safe to call at any
// time, including when already locked.
func (m *Manager) LockKeychain(ctx context.Context) error {
	if err := m.state.validateStarted(); err != nil {
		return err
	}

	r := newLockReq()

	if err := m.sendReq(ctx, r); err != nil {
		return err
	}

	return m.waitForResp(ctx, r.resp)
}

// UpdatePassword rotates the keychain password: the old password is
// verified, every wallet secret is re-encrypted under a key derived from a
// fresh salt, the record is replaced atomically and the keychain is force
// locked so the new password must be re-entered.
func (m *Manager) UpdatePassword(ctx context.Context, oldPassword,
	newPassword []byte) error {

	if err := m.state.validateStarted(); err != nil {
		return err
	}

	r := updatePasswordReq{
		oldPassword: oldPassword,
		newPassword: newPassword,
		resp:        make(resultChan, 1),
	}

	if err := m.sendReq(ctx, r); err != nil {
		return err
	}

	return m.waitForResp(ctx, r.resp)
}

// VerifyPassword checks the password against the stored record without
// mutating any state. Used for re-auth flows such as confirming before a
// mnemonic reveal.
func (m *Manager) VerifyPassword(ctx context.Context, password []byte) error {
	if err := m.state.validateStarted(); err != nil {
		return err
	}

	r := verifyPasswordReq{
		password: password,
		resp:     make(resultChan, 1),
	}

	if err := m.sendReq(ctx, r); err != nil {
		return err
	}

	return m.waitForResp(ctx, r.resp)
}

// UpdateSettings replaces the keychain settings, persisting them and
// rescheduling the auto-lock timer immediately when the timeout changed.
func (m *Manager) UpdateSettings(ctx context.Context,
	settings Settings) error {

	if err := m.state.validateUnlocked(); err != nil {
		return err
	}

	r := updateSettingsReq{
		settings: settings,
		resp:     make(resultChan, 1),
	}

	if err := m.sendReq(ctx, r); err != nil {
		return err
	}

	return m.waitForResp(ctx, r.resp)
}

// handleCreateKeychain processes a request to create a fresh keychain.
func (m *Manager) handleCreateKeychain(req createKeychainReq) {
	ctx := m.lifetimeCtx

	// Creation is only legal when no record exists yet. Any store error
	// other than a missing record must not fall through to creation, as
	// that would overwrite an existing keychain.
	_, err := m.cfg.Store.GetKeychainRecord(ctx, m.cfg.Profile)
	switch {
	case err == nil:
		req.resp <- ErrKeychainExists
		return

	case !errors.Is(err, vaultdb.ErrRecordNotFound):
		req.resp <- fmt.Errorf("unable to check for existing "+
			"keychain: %w", err)
		return
	}

	salt, err := newSalt()
	if err != nil {
		req.resp <- err
		return
	}

	masterKey := m.cfg.KeyDeriver.DeriveKey(
		req.password, salt, m.cfg.KDFIterations,
	)

	m.mu.Lock()
	m.keychain = &Keychain{Version: KeychainVersion}
	m.salt = salt
	m.iterations = m.cfg.KDFIterations
	m.wallets = nil
	m.mu.Unlock()

	m.cfg.Session.SetMasterKey(masterKey)
	zero(masterKey)

	m.mu.Lock()
	err = m.persistKeychain(ctx)
	m.mu.Unlock()
	if err != nil {
		m.wipe()
		req.resp <- err

		return
	}

	m.state.toUnlocked()
	m.rearmLockTimer(m.autoLockDuration())

	log.Infof("Created new keychain for profile %s", m.cfg.Profile)

	req.resp <- nil
}

// handleUnlock processes a request to unlock the keychain. On success the
// last active wallet is selected implicitly, without persisting a new
// selection.
func (m *Manager) handleUnlock(req unlockReq) {
	ctx := m.lifetimeCtx

	keychain, salt, iterations, masterKey, err := m.loadRecord(
		ctx, req.password,
	)
	if err != nil {
		req.resp <- err
		return
	}

	m.mu.Lock()
	m.keychain = keychain
	m.salt = salt
	m.iterations = iterations
	m.rebuildWallets()
	m.mu.Unlock()

	m.cfg.Session.SetMasterKey(masterKey)
	zero(masterKey)

	m.state.toUnlocked()

	// Auto-select the last active wallet, falling back to the first.
	// This is an implicit selection: lastActiveWalletId is not
	// re-persisted.
	selectID := keychain.Settings.LastActiveWalletID
	if _, ok := keychain.findWallet(selectID); !ok {
		selectID = ""
	}
	if selectID == "" && len(keychain.Wallets) > 0 {
		selectID = keychain.Wallets[0].ID
	}

	if selectID != "" {
		if err := m.selectWallet(ctx, selectID, false); err != nil {
			log.Warnf("Unable to auto-select wallet %s: %v",
				selectID, err)
		}
	}

	m.rearmLockTimer(m.autoLockDuration())

	log.Infof("Keychain unlocked with %d wallets", len(keychain.Wallets))

	req.resp <- nil
}

// handleLock processes a request to lock the keychain. Locking an already
// locked keychain is a no-op success.
func (m *Manager) handleLock(req lockReq) {
	m.disarmLockTimer()
	m.wipe()
	m.state.toLocked()

	req.resp <- nil
}

// handleUpdatePassword processes a password rotation.
func (m *Manager) handleUpdatePassword(req updatePasswordReq) {
	ctx := m.lifetimeCtx

	// Verify the old password by decrypting the record, independent of
	// any in-memory state.
	keychain, _, _, oldKey, err := m.loadRecord(ctx, req.oldPassword)
	if err != nil {
		req.resp <- err
		return
	}
	defer zero(oldKey)

	newSalt, err := newSalt()
	if err != nil {
		req.resp <- err
		return
	}

	newKey := m.cfg.KeyDeriver.DeriveKey(
		req.newPassword, newSalt, m.cfg.KDFIterations,
	)
	defer zero(newKey)

	// Re-encrypt every wallet secret under the new key. Any failure
	// aborts before the record is touched.
	for _, record := range keychain.Wallets {
		if record.Kind == KindHardware {
			continue
		}

		ciphertext, err := base64.StdEncoding.DecodeString(
			record.EncryptedSecret,
		)
		if err != nil {
			req.resp <- fmt.Errorf("corrupt secret for wallet "+
				"%s: %w", record.ID, err)

			return
		}

		plaintext, err := m.cfg.Cipher.Decrypt(ciphertext, oldKey)
		if err != nil {
			req.resp <- ErrInvalidPassword
			return
		}

		reSealed, err := m.cfg.Cipher.Encrypt(plaintext, newKey)
		zero(plaintext)
		if err != nil {
			req.resp <- err
			return
		}

		record.EncryptedSecret = base64.StdEncoding.EncodeToString(
			reSealed,
		)
	}

	// Persist the rotated record in a single whole-record replace.
	m.mu.Lock()
	m.keychain = keychain
	m.salt = newSalt
	m.iterations = m.cfg.KDFIterations
	m.mu.Unlock()

	m.cfg.Session.SetMasterKey(newKey)

	m.mu.Lock()
	err = m.persistKeychain(ctx)
	m.mu.Unlock()
	if err != nil {
		m.wipe()
		m.state.toLocked()
		req.resp <- err

		return
	}

	// Force a re-lock: the new password must be re-entered.
	m.disarmLockTimer()
	m.wipe()
	m.state.toLocked()

	log.Infof("Keychain password rotated, vault locked")

	req.resp <- nil
}

// handleVerifyPassword processes a password check. Nothing is mutated.
func (m *Manager) handleVerifyPassword(req verifyPasswordReq) {
	_, _, _, masterKey, err := m.loadRecord(m.lifetimeCtx, req.password)
	if err == nil {
		zero(masterKey)
	}

	req.resp <- err
}

// handleUpdateSettings processes a settings update.
func (m *Manager) handleUpdateSettings(req updateSettingsReq) {
	ctx := m.lifetimeCtx

	m.mu.Lock()
	if m.keychain == nil {
		m.mu.Unlock()
		req.resp <- ErrLocked

		return
	}

	// lastActiveWalletId is owned by explicit selection; settings
	// updates cannot redirect it.
	settings := req.settings
	settings.LastActiveWalletID = m.keychain.Settings.LastActiveWalletID
	m.keychain.Settings = settings

	err := m.persistKeychain(ctx)
	m.mu.Unlock()
	if err != nil {
		req.resp <- err
		return
	}

	// A changed timeout takes effect immediately.
	m.mu.Lock()
	d := m.autoLockDuration()
	m.mu.Unlock()
	m.rearmLockTimer(d)

	req.resp <- nil
}
