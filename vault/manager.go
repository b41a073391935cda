// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/keysuite/keyvault/hardware"
	"github.com/keysuite/keyvault/vaultdb"
)

const (
	// DefaultProfile is the store profile used when none is configured.
	DefaultProfile = "default"

	// DefaultAutoLockDuration is the idle duration after which the
	// keychain locks itself when the settings carry no override.
	DefaultAutoLockDuration = 10 * time.Minute
)

// Config holds the collaborators and tunables of a Manager. Store and
// Session are required; every other field has a sensible default.
type Config struct {
	// Store is the durable keychain record store.
	Store vaultdb.Store

	// Profile names the keychain record within the store.
	Profile string

	// Session is the ephemeral unlock state store.
	Session SessionStore

	// KeyDeriver derives master keys from passwords. Defaults to
	// PBKDF2-SHA256.
	KeyDeriver KeyDeriver

	// Cipher protects the keychain and wallet secrets. Defaults to
	// XChaCha20-Poly1305.
	Cipher Cipher

	// Registry resolves hardware vendor adapters. Optional; hardware
	// wallet operations fail without it.
	Registry *hardware.Registry

	// Testnet selects testnet address encoding and coin types.
	Testnet bool

	// AutoLockDuration is the default auto-lock timeout, used until the
	// keychain settings override it.
	AutoLockDuration time.Duration

	// KDFIterations is the PBKDF2 iteration count for new keychains.
	KDFIterations int
}

// Manager owns the keychain aggregate and orchestrates every vault
// operation: create/unlock/lock, wallet CRUD, address derivation and signing
// dispatch. Lock, unlock and password mutations are serialized through the
// main event loop; wallet mutations hold the keychain mutex.
type Manager struct {
	cfg Config

	state vaultState

	// mu guards the fields below: the decrypted keychain, the KDF
	// parameters of the loaded record and the runtime wallet views.
	mu         sync.Mutex
	keychain   *Keychain
	salt       []byte
	iterations int
	wallets    []*Wallet

	requestChan chan any
	lockTimer   *time.Timer

	lifetimeCtx context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a manager around the given configuration, applying
// defaults for any optional collaborator left nil.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("vault: Store is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("vault: Session is required")
	}

	if cfg.Profile == "" {
		cfg.Profile = DefaultProfile
	}
	if cfg.KeyDeriver == nil {
		cfg.KeyDeriver = NewKeyDeriver()
	}
	if cfg.Cipher == nil {
		cfg.Cipher = NewCipher()
	}
	if cfg.AutoLockDuration == 0 {
		cfg.AutoLockDuration = DefaultAutoLockDuration
	}
	if cfg.KDFIterations == 0 {
		cfg.KDFIterations = DefaultKDFIterations
	}

	return &Manager{
		cfg:         cfg,
		requestChan: make(chan any),
	}, nil
}

// chainParams returns the chain parameters matching the configured network.
func (m *Manager) chainParams() *chaincfg.Params {
	if m.cfg.Testnet {
		return &chaincfg.TestNet3Params
	}

	return &chaincfg.MainNetParams
}

// Start starts the background processes necessary to manage the vault. It
// returns an error if the manager is already started.
func (m *Manager) Start(_ context.Context) error {
	// Attempt to transition from Stopped to Starting.
	if err := m.state.toStarting(); err != nil {
		return err
	}

	// lifetimeCtx governs the lifecycle of all background goroutines. It
	// is canceled when Stop is called.
	m.lifetimeCtx, m.cancel = context.WithCancel(context.Background())

	// The auto-lock timer starts disarmed; it is armed on unlock.
	m.lockTimer = time.NewTimer(m.cfg.AutoLockDuration)
	if !m.lockTimer.Stop() {
		<-m.lockTimer.C
	}

	m.wg.Add(1)
	go m.mainLoop()

	m.state.toStarted()

	log.Infof("Vault manager started (profile=%s, testnet=%v)",
		m.cfg.Profile, m.cfg.Testnet)

	return nil
}

// Stop signals the main loop to shut down and blocks until it has exited.
// The keychain is locked before the manager stops.
func (m *Manager) Stop(stopCtx context.Context) error {
	err := m.state.toStopping()
	if err != nil {
		// If the manager is not started, consider it stopped.
		log.Warnf("Vault manager already stopped: %v", err)
		return nil
	}

	// Wipe everything before the loop exits; Stop must leave no secret
	// behind regardless of how the caller got here.
	m.wipe()

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-stopCtx.Done():
		return fmt.Errorf("stop request cancelled: %w", stopCtx.Err())
	}

	m.state.toStopped()

	log.Info("Vault manager stopped")

	return nil
}

// mainLoop is the central event loop, responsible for serializing all
// lock, unlock and password requests and for firing the auto-lock timer.
func (m *Manager) mainLoop() {
	defer m.wg.Done()

	for {
		select {
		case req := <-m.requestChan:
			switch r := req.(type) {
			case createKeychainReq:
				m.handleCreateKeychain(r)

			case unlockReq:
				m.handleUnlock(r)

			case lockReq:
				m.handleLock(r)

			case updatePasswordReq:
				m.handleUpdatePassword(r)

			case verifyPasswordReq:
				m.handleVerifyPassword(r)

			case updateSettingsReq:
				m.handleUpdateSettings(r)

			default:
				log.Errorf("Vault received unknown request "+
					"type: %T", req)
			}

		// The auto-lock timer has expired. We trigger a lock with a
		// dummy response channel to avoid nil checks in the handler.
		case <-m.lockTimer.C:
			log.Infof("Auto-lock timeout fired, locking keychain")
			m.handleLock(newLockReq())

		case <-m.lifetimeCtx.Done():
			m.lockTimer.Stop()

			return
		}
	}
}

// sendReq sends an operation request to the main loop or handles
// cancellation.
func (m *Manager) sendReq(ctx context.Context, req any) error {
	select {
	case m.requestChan <- req:
		return nil

	case <-m.lifetimeCtx.Done():
		return ErrShuttingDown

	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitForResp waits for the response from an operation request or handles
// cancellation.
func (m *Manager) waitForResp(ctx context.Context, resp <-chan error) error {
	select {
	case err := <-resp:
		return err

	case <-m.lifetimeCtx.Done():
		return ErrShuttingDown

	case <-ctx.Done():
		return ctx.Err()
	}
}

// AuthState returns the current authentication state.
func (m *Manager) AuthState() AuthState {
	return m.state.authState()
}

// IsUnlocked reports whether the keychain is currently unlocked.
func (m *Manager) IsUnlocked() bool {
	return m.state.isUnlocked()
}

// autoLockDuration returns the effective auto-lock timeout: the keychain
// settings override when present, the configured default otherwise.
//
// The caller must hold m.mu or be running on the main loop with the keychain
// loaded.
func (m *Manager) autoLockDuration() time.Duration {
	if m.keychain != nil && m.keychain.Settings.AutoLockSeconds > 0 {
		return time.Duration(
			m.keychain.Settings.AutoLockSeconds) * time.Second
	}

	return m.cfg.AutoLockDuration
}

// touchActivity records user activity: the auto-lock timer restarts with
// the effective timeout.
func (m *Manager) touchActivity() {
	m.mu.Lock()
	d := m.autoLockDuration()
	m.mu.Unlock()

	m.cfg.Session.Touch()
	m.rearmLockTimer(d)
}

// rearmLockTimer resets the auto-lock timer to the effective timeout,
// draining a stale fire first.
func (m *Manager) rearmLockTimer(d time.Duration) {
	if !m.lockTimer.Stop() {
		select {
		case <-m.lockTimer.C:
		default:
		}
	}

	if d > 0 {
		m.lockTimer.Reset(d)
	}
}

// disarmLockTimer stops the auto-lock timer, draining a stale fire so the
// main loop never processes a leftover signal.
func (m *Manager) disarmLockTimer() {
	if !m.lockTimer.Stop() {
		select {
		case <-m.lockTimer.C:
		default:
		}
	}
}

// persistKeychain encrypts the in-memory keychain under the session master
// key and replaces the durable record. The write is whole-record: a crash
// leaves either the old or the new record, never a blend.
//
// The caller must hold m.mu.
func (m *Manager) persistKeychain(ctx context.Context) error {
	masterKey, ok := m.cfg.Session.MasterKey()
	if !ok {
		return ErrLocked
	}
	defer zero(masterKey)

	raw, err := encodeKeychain(m.keychain)
	if err != nil {
		return err
	}
	defer zero(raw)

	ciphertext, err := m.cfg.Cipher.Encrypt(raw, masterKey)
	if err != nil {
		return fmt.Errorf("unable to encrypt keychain: %w", err)
	}

	record := vaultdb.KeychainRecord{
		Version:           KeychainVersion,
		KDF:               vaultdb.KDFParams{Iterations: m.iterations},
		Salt:              base64.StdEncoding.EncodeToString(m.salt),
		EncryptedKeychain: base64.StdEncoding.EncodeToString(ciphertext),
	}

	return m.cfg.Store.PutKeychainRecord(ctx, m.cfg.Profile, record)
}

// loadRecord reads and decrypts the durable keychain record with the given
// password, returning the decoded keychain together with the record's KDF
// parameters and the derived master key. No manager state is mutated.
func (m *Manager) loadRecord(ctx context.Context,
	password []byte) (*Keychain, []byte, int, []byte, error) {

	record, err := m.cfg.Store.GetKeychainRecord(ctx, m.cfg.Profile)
	if err != nil {
		if errors.Is(err, vaultdb.ErrRecordNotFound) {
			return nil, nil, 0, nil, ErrNoKeychain
		}

		return nil, nil, 0, nil, err
	}

	if record.Version != KeychainVersion {
		return nil, nil, 0, nil, fmt.Errorf("%w: got %d, want %d",
			ErrWrongVersion, record.Version, KeychainVersion)
	}

	salt, err := base64.StdEncoding.DecodeString(record.Salt)
	if err != nil {
		return nil, nil, 0, nil, fmt.Errorf("corrupt salt: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(
		record.EncryptedKeychain,
	)
	if err != nil {
		return nil, nil, 0, nil, fmt.Errorf("corrupt record: %w", err)
	}

	masterKey := m.cfg.KeyDeriver.DeriveKey(
		password, salt, record.KDF.Iterations,
	)

	raw, err := m.cfg.Cipher.Decrypt(ciphertext, masterKey)
	if err != nil {
		zero(masterKey)

		// Wrong password and corrupt ciphertext are deliberately
		// indistinguishable.
		return nil, nil, 0, nil, ErrInvalidPassword
	}
	defer zero(raw)

	keychain, err := decodeKeychain(raw)
	if err != nil {
		zero(masterKey)
		return nil, nil, 0, nil, err
	}

	return keychain, salt, record.KDF.Iterations, masterKey, nil
}

// wipe clears every trace of the unlocked keychain: the session store, the
// runtime address sets and the in-memory keychain itself. Synchronous with
// respect to subsequent reads.
func (m *Manager) wipe() {
	m.cfg.Session.Clear()

	m.mu.Lock()
	for _, w := range m.wallets {
		w.Addresses = nil
	}
	m.wallets = nil
	m.keychain = nil
	zero(m.salt)
	m.salt = nil
	m.iterations = 0
	m.mu.Unlock()
}

// rebuildWallets replaces the runtime wallet views from the loaded keychain.
// Addresses stay empty; selection populates them.
//
// The caller must hold m.mu.
func (m *Manager) rebuildWallets() {
	m.wallets = make([]*Wallet, 0, len(m.keychain.Wallets))
	for _, record := range m.keychain.Wallets {
		view := *record
		view.EncryptedSecret = ""

		m.wallets = append(m.wallets, &Wallet{Record: view})
	}
}

// findRuntimeWallet returns the runtime view for a wallet id.
//
// The caller must hold m.mu.
func (m *Manager) findRuntimeWallet(id string) (*Wallet, bool) {
	for _, w := range m.wallets {
		if w.Record.ID == id {
			return w, true
		}
	}

	return nil, false
}

// Wallets returns a snapshot of all runtime wallet views.
func (m *Manager) Wallets() ([]Wallet, error) {
	if err := m.state.validateUnlocked(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		view := *w
		view.Addresses = append([]Address(nil), w.Addresses...)
		out = append(out, view)
	}

	return out, nil
}

// ActiveWallet returns the currently selected wallet view.
func (m *Manager) ActiveWallet() (*Wallet, error) {
	if err := m.state.canSign(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.cfg.Session.ActiveWallet()
	w, ok := m.findRuntimeWallet(id)
	if !ok {
		return nil, ErrNoWalletSelected
	}

	view := *w
	view.Addresses = append([]Address(nil), w.Addresses...)

	return &view, nil
}
