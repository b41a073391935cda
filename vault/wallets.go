// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"context"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/tyler-smith/go-bip39"

	"github.com/keysuite/keyvault/derivation"
	"github.com/keysuite/keyvault/hardware"
)

// defaultNamePattern matches auto-assigned wallet names. Only wallets still
// carrying an auto-assigned name take part in renumbering after a removal.
var defaultNamePattern = regexp.MustCompile(`^Wallet \d+$`)

// CreateMnemonicWallet imports a BIP-39 mnemonic as a new wallet with the
// given address format, selects it and returns its runtime view. The
// mnemonic is validated against the BIP-39 word list and checksum.
func (m *Manager) CreateMnemonicWallet(ctx context.Context, name,
	mnemonic string, format derivation.AddressFormat) (*Wallet, error) {

	if err := m.state.validateUnlocked(); err != nil {
		return nil, err
	}

	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	// The wallet identity is derived from the account level xpub, so the
	// same mnemonic imported twice with the same format collides while a
	// different format yields a distinct wallet.
	seed := bip39.NewSeed(mnemonic, "")
	accountKey, err := deriveAccountKey(
		seed, format, m.coinType(), 0, m.chainParams(),
	)
	zero(seed)
	if err != nil {
		return nil, err
	}

	accountPub, err := accountKey.Neuter()
	if err != nil {
		accountKey.Zero()
		return nil, err
	}

	// Serialize the xpub before zeroing the private key. The neutered key
	// shares its chain code and public key slices with the parent, so
	// wiping the parent first would destroy the xpub material too.
	accountXpub := accountPub.String()
	accountKey.Zero()

	secret := &walletSecret{
		Kind:     KindMnemonic,
		Mnemonic: mnemonic,
	}

	return m.addWallet(ctx, &WalletRecord{
		ID:            walletID(accountXpub, format),
		Name:          name,
		Kind:          KindMnemonic,
		AddressFormat: format,
	}, secret)
}

// CreatePrivateKeyWallet imports a single private key, given as WIF or 32
// byte hex, as a new wallet. The wallet has exactly one fixed address.
func (m *Manager) CreatePrivateKeyWallet(ctx context.Context, name,
	material string, format derivation.AddressFormat) (*Wallet, error) {

	if err := m.state.validateUnlocked(); err != nil {
		return nil, err
	}

	privKey, err := parsePrivateKey(material, m.chainParams())
	if err != nil {
		return nil, err
	}

	// Single keys have no account xpub; the compressed public key is the
	// identity material instead.
	pubHex := hex.EncodeToString(privKey.PubKey().SerializeCompressed())
	privKey.Zero()

	secret := &walletSecret{
		Kind:       KindPrivateKey,
		PrivateKey: material,
	}

	return m.addWallet(ctx, &WalletRecord{
		ID:            walletID(pubHex, format),
		Name:          name,
		Kind:          KindPrivateKey,
		AddressFormat: format,
	}, secret)
}

// CreateHardwareWallet enrolls a hardware device as a new wallet: the
// account level xpub is read from the device through the vendor adapter and
// stored as public metadata, so addresses derive locally without further
// device round-trips. No private key material ever enters the keychain.
func (m *Manager) CreateHardwareWallet(ctx context.Context, name string,
	vendor hardware.Vendor, account uint32,
	format derivation.AddressFormat,
	usePassphrase bool) (*Wallet, error) {

	if err := m.state.validateUnlocked(); err != nil {
		return nil, err
	}

	if m.cfg.Registry == nil {
		return nil, fmt.Errorf("%w: no adapter registry configured",
			ErrHardwareWallet)
	}

	adapter, err := m.cfg.Registry.ForVendor(vendor)
	if err != nil {
		return nil, err
	}

	if !adapter.IsInitialized() {
		err := adapter.Init(ctx, hardware.InitOptions{
			Testnet: m.cfg.Testnet,
		})
		if err != nil {
			return nil, err
		}
	}

	xpub, err := adapter.GetXpub(ctx, hardware.XpubRequest{
		Format:        format,
		Account:       account,
		UsePassphrase: usePassphrase,
	})
	if err != nil {
		return nil, err
	}

	meta := &HardwareMeta{
		Vendor:        vendor,
		Xpub:          xpub,
		AccountIndex:  account,
		UsePassphrase: usePassphrase,
	}

	if info, err := adapter.DeviceInfo(ctx); err == nil {
		meta.DeviceLabel = info.Label
	}

	return m.addWallet(ctx, &WalletRecord{
		ID:            walletID(xpub, format),
		Name:          name,
		Kind:          KindHardware,
		AddressFormat: format,
		Hardware:      meta,
	}, nil)
}

// addWallet finishes wallet creation common to all kinds: limit and
// duplicate checks, secret encryption, preview derivation, persistence and
// explicit selection of the new wallet.
func (m *Manager) addWallet(ctx context.Context, record *WalletRecord,
	secret *walletSecret) (*Wallet, error) {

	m.mu.Lock()

	if m.keychain == nil {
		m.mu.Unlock()
		return nil, ErrLocked
	}

	if len(m.keychain.Wallets) >= MaxWallets {
		m.mu.Unlock()
		return nil, ErrMaxWallets
	}

	if _, ok := m.keychain.findWallet(record.ID); ok {
		m.mu.Unlock()
		return nil, ErrDuplicateWallet
	}

	record.CreatedAt = time.Now().UTC()
	record.AddressCount = 1
	record.IsTestOnly = m.cfg.Testnet

	if record.Name == "" {
		record.Name = fmt.Sprintf(
			"Wallet %d", len(m.keychain.Wallets)+1,
		)
	}

	if secret != nil {
		raw, err := encodeWalletSecret(secret)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}

		sealed, err := m.encryptSecret(raw)
		zero(raw)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}

		record.EncryptedSecret = encodeBase64(sealed)
	}

	addrs, err := m.deriveAddresses(record, secret)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	record.PreviewAddress = addrs[0].Address

	if err := record.validate(); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	m.keychain.Wallets = append(m.keychain.Wallets, record)

	// A new wallet is an explicit selection.
	prevActiveID := m.keychain.Settings.LastActiveWalletID
	m.keychain.Settings.LastActiveWalletID = record.ID

	if err := m.persistKeychain(ctx); err != nil {
		m.keychain.Wallets = m.keychain.Wallets[:len(
			m.keychain.Wallets)-1]
		m.keychain.Settings.LastActiveWalletID = prevActiveID
		m.mu.Unlock()

		return nil, err
	}

	view := *record
	view.EncryptedSecret = ""
	runtime := &Wallet{Record: view, Addresses: addrs}
	m.wallets = append(m.wallets, runtime)

	prevID := m.cfg.Session.ActiveWallet()
	if prevID != "" && prevID != record.ID {
		m.cfg.Session.DeleteSecret(prevID)
		if prev, ok := m.findRuntimeWallet(prevID); ok {
			prev.Addresses = nil
		}
	}

	if secret != nil {
		raw, err := encodeWalletSecret(secret)
		if err == nil {
			m.cfg.Session.SetSecret(record.ID, raw)
			zero(raw)
		}
	}

	m.cfg.Session.SetActiveWallet(record.ID)
	m.mu.Unlock()

	m.state.toSelected()
	m.touchActivity()

	log.Infof("Created %s wallet %s (%s)", record.Kind, record.Name,
		record.ID)

	result := *runtime
	result.Addresses = append([]Address(nil), addrs...)

	return &result, nil
}

// encryptSecret seals a wallet secret under the session master key.
func (m *Manager) encryptSecret(raw []byte) ([]byte, error) {
	masterKey, ok := m.cfg.Session.MasterKey()
	if !ok {
		return nil, ErrLocked
	}
	defer zero(masterKey)

	return m.cfg.Cipher.Encrypt(raw, masterKey)
}

// SelectWallet makes the wallet with the given id the active one,
// decrypting its secret into the session and deriving its full address set.
// The previous wallet's secret is cleared before the next one is decrypted.
// Explicit selection persists lastActiveWalletId.
func (m *Manager) SelectWallet(ctx context.Context, id string) error {
	if err := m.state.validateUnlocked(); err != nil {
		return err
	}

	return m.selectWallet(ctx, id, true)
}

// selectWallet implements wallet selection. When persist is false the
// selection is implicit (unlock-time restore) and lastActiveWalletId is left
// untouched.
func (m *Manager) selectWallet(ctx context.Context, id string,
	persist bool) error {

	m.mu.Lock()

	if m.keychain == nil {
		m.mu.Unlock()
		return ErrLocked
	}

	record, ok := m.keychain.findWallet(id)
	if !ok {
		m.mu.Unlock()
		return ErrWalletNotFound
	}

	runtime, ok := m.findRuntimeWallet(id)
	if !ok {
		m.mu.Unlock()
		return ErrWalletNotFound
	}

	// Clear the previous wallet's decrypted secret before touching the
	// next one: at most one wallet secret is ever live.
	prevID := m.cfg.Session.ActiveWallet()
	if prevID != "" && prevID != id {
		m.cfg.Session.DeleteSecret(prevID)
		if prev, ok := m.findRuntimeWallet(prevID); ok {
			prev.Addresses = nil
		}
	}

	var secret *walletSecret
	if record.Kind != KindHardware {
		raw, err := m.decryptSecret(record)
		if err != nil {
			m.mu.Unlock()
			return err
		}

		secret, err = decodeWalletSecret(raw, record.Kind)
		if err != nil {
			zero(raw)
			m.mu.Unlock()

			return err
		}

		m.cfg.Session.SetSecret(id, raw)
		zero(raw)
	}

	addrs, err := m.deriveAddresses(record, secret)
	if err != nil {
		m.cfg.Session.DeleteSecret(id)
		m.mu.Unlock()

		return err
	}

	runtime.Addresses = addrs
	m.cfg.Session.SetActiveWallet(id)

	if persist {
		m.keychain.Settings.LastActiveWalletID = id
		if err := m.persistKeychain(ctx); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	m.mu.Unlock()

	m.state.toSelected()
	m.touchActivity()

	return nil
}

// RenameWallet changes the user visible name of a wallet.
func (m *Manager) RenameWallet(ctx context.Context, id, name string) error {
	if err := m.state.validateUnlocked(); err != nil {
		return err
	}

	if name == "" {
		return fmt.Errorf("wallet name must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keychain == nil {
		return ErrLocked
	}

	record, ok := m.keychain.findWallet(id)
	if !ok {
		return ErrWalletNotFound
	}

	prev := record.Name
	record.Name = name

	if err := m.persistKeychain(ctx); err != nil {
		record.Name = prev
		return err
	}

	if runtime, ok := m.findRuntimeWallet(id); ok {
		runtime.Record.Name = name
	}

	m.rearmLockTimer(m.autoLockDuration())

	return nil
}

// RemoveWallet deletes a wallet from the keychain. Wallets still carrying an
// auto-assigned "Wallet N" name are renumbered to stay consecutive. Removing
// the active wallet drops the selection back to Unlocked.
func (m *Manager) RemoveWallet(ctx context.Context, id string) error {
	if err := m.state.validateUnlocked(); err != nil {
		return err
	}

	m.mu.Lock()

	if m.keychain == nil {
		m.mu.Unlock()
		return ErrLocked
	}

	idx := -1
	for i, record := range m.keychain.Wallets {
		if record.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return ErrWalletNotFound
	}

	removed := m.keychain.Wallets[idx]
	backup := append(
		[]*WalletRecord(nil), m.keychain.Wallets...,
	)
	backupSettings := m.keychain.Settings

	// The backup shares the record pointers, so the renames below must be
	// undone individually if the persist fails.
	backupNames := make([]string, len(backup))
	for i, record := range backup {
		backupNames[i] = record.Name
	}

	m.keychain.Wallets = append(
		m.keychain.Wallets[:idx], m.keychain.Wallets[idx+1:]...,
	)

	// Keep auto-assigned names consecutive.
	n := 1
	for _, record := range m.keychain.Wallets {
		if defaultNamePattern.MatchString(record.Name) {
			record.Name = fmt.Sprintf("Wallet %d", n)
		}
		n++
	}

	if m.keychain.Settings.LastActiveWalletID == id {
		m.keychain.Settings.LastActiveWalletID = ""
	}

	if err := m.persistKeychain(ctx); err != nil {
		for i, record := range backup {
			record.Name = backupNames[i]
		}
		m.keychain.Wallets = backup
		m.keychain.Settings = backupSettings
		m.mu.Unlock()

		return err
	}

	m.cfg.Session.DeleteSecret(id)
	m.rebuildWallets()

	wasActive := m.cfg.Session.ActiveWallet() == id
	if wasActive {
		m.cfg.Session.SetActiveWallet("")
	}
	m.mu.Unlock()

	if wasActive {
		m.state.toUnlocked()
	}

	m.touchActivity()

	log.Infof("Removed wallet %s (%s)", removed.Name, id)

	return nil
}

// RefreshWallets re-derives the runtime wallet views from the stored record
// using the session master key. It is idempotent and is the post-restart
// recovery path: when the session still holds a master key the keychain is
// reloaded without re-entering the password; without one the vault simply
// stays locked.
func (m *Manager) RefreshWallets(ctx context.Context) error {
	if err := m.state.validateStarted(); err != nil {
		return err
	}

	masterKey, ok := m.cfg.Session.MasterKey()
	if !ok {
		return nil
	}
	defer zero(masterKey)

	record, err := m.cfg.Store.GetKeychainRecord(ctx, m.cfg.Profile)
	if err != nil {
		return err
	}

	ciphertext, err := decodeBase64(record.EncryptedKeychain)
	if err != nil {
		return fmt.Errorf("corrupt record: %w", err)
	}

	raw, err := m.cfg.Cipher.Decrypt(ciphertext, masterKey)
	if err != nil {
		return ErrInvalidPassword
	}
	defer zero(raw)

	keychain, err := decodeKeychain(raw)
	if err != nil {
		return err
	}

	salt, err := decodeBase64(record.Salt)
	if err != nil {
		return fmt.Errorf("corrupt salt: %w", err)
	}

	m.mu.Lock()
	m.keychain = keychain
	m.salt = salt
	m.iterations = record.KDF.Iterations
	m.rebuildWallets()
	m.mu.Unlock()

	m.state.toUnlocked()

	// Restore the selection if the session still points at a live wallet.
	if id := m.cfg.Session.ActiveWallet(); id != "" {
		if _, ok := keychain.findWallet(id); ok {
			if err := m.selectWallet(ctx, id, false); err != nil {
				return err
			}
		} else {
			m.cfg.Session.SetActiveWallet("")
		}
	}

	m.touchActivity()

	return nil
}

// hardwareAdapter resolves the initialized adapter for a hardware wallet
// record.
func (m *Manager) hardwareAdapter(ctx context.Context,
	meta *HardwareMeta) (hardware.Adapter, error) {

	if m.cfg.Registry == nil {
		return nil, fmt.Errorf("%w: no adapter registry configured",
			ErrHardwareWallet)
	}

	adapter, err := m.cfg.Registry.ForVendor(meta.Vendor)
	if err != nil {
		return nil, err
	}

	if !adapter.IsInitialized() {
		err := adapter.Init(ctx, hardware.InitOptions{
			Testnet: m.cfg.Testnet,
		})
		if err != nil {
			return nil, err
		}
	}

	return adapter, nil
}

// AccountXpub returns the account level extended public key of a mnemonic
// wallet, re-derived from the decrypted secret. Used to cross-check device
// enrollment and for watch-only export.
func (m *Manager) AccountXpub(id string) (string, error) {
	if err := m.state.validateUnlocked(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.keychain == nil {
		return "", ErrLocked
	}

	record, ok := m.keychain.findWallet(id)
	if !ok {
		return "", ErrWalletNotFound
	}

	switch record.Kind {
	case KindHardware:
		return record.Hardware.Xpub, nil

	case KindMnemonic:

	default:
		return "", fmt.Errorf("%w: single key wallets have no "+
			"account xpub", ErrMalformedSecret)
	}

	secret, err := m.walletSecretLocked(record)
	if err != nil {
		return "", err
	}

	seed := bip39.NewSeed(secret.Mnemonic, "")
	defer zero(seed)

	accountKey, err := deriveAccountKey(
		seed, record.AddressFormat, m.coinType(), 0, m.chainParams(),
	)
	if err != nil {
		return "", err
	}
	defer accountKey.Zero()

	accountPub, err := accountKey.Neuter()
	if err != nil {
		return "", err
	}

	return accountPub.String(), nil
}
