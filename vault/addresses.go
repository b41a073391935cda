// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"

	"github.com/keysuite/keyvault/derivation"
)

// coinType returns the SLIP-44 coin type for the configured network.
func (m *Manager) coinType() uint32 {
	if m.cfg.Testnet {
		return derivation.CoinTypeTestnet
	}

	return derivation.CoinTypeMainnet
}

// addressForPubKey encodes a public key as an address in the given format.
func addressForPubKey(pubKey *btcec.PublicKey,
	format derivation.AddressFormat,
	params *chaincfg.Params) (btcutil.Address, error) {

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())

	switch format {
	case derivation.FormatLegacy:
		return btcutil.NewAddressPubKeyHash(pubKeyHash, params)

	case derivation.FormatNestedSegWit:
		witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(
			pubKeyHash, params,
		)
		if err != nil {
			return nil, err
		}

		witnessScript, err := txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return nil, err
		}

		return btcutil.NewAddressScriptHash(witnessScript, params)

	case derivation.FormatNativeSegWit:
		return btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, params)

	case derivation.FormatTaproot:
		taprootKey := txscript.ComputeTaprootKeyNoScript(pubKey)
		return btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(taprootKey), params,
		)

	default:
		return nil, fmt.Errorf("%w: %v", derivation.ErrUnknownFormat,
			format)
	}
}

// deriveAccountKey derives the account level extended private key
// m/purpose'/coin'/account' from a BIP-39 seed.
func deriveAccountKey(seed []byte, format derivation.AddressFormat,
	coinType, account uint32,
	params *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {

	purpose, err := derivation.Purpose(format)
	if err != nil {
		return nil, err
	}

	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("unable to derive master key: %w", err)
	}

	key := master
	for _, component := range []uint32{purpose, coinType, account} {
		key, err = key.Derive(
			derivation.HardenedKeyStart + component,
		)
		if err != nil {
			return nil, fmt.Errorf("unable to derive account "+
				"key: %w", err)
		}
	}

	master.Zero()

	return key, nil
}

// deriveExternalPubKey derives the external chain public key account/0/index
// below an account level key. The account key may be private or neutered.
func deriveExternalPubKey(accountKey *hdkeychain.ExtendedKey,
	index uint32) (*btcec.PublicKey, error) {

	branch, err := accountKey.Derive(derivation.ExternalChain)
	if err != nil {
		return nil, err
	}

	child, err := branch.Derive(index)
	if err != nil {
		return nil, err
	}

	return child.ECPubKey()
}

// softwareAddresses derives count external addresses for a mnemonic backed
// wallet record.
func (m *Manager) softwareAddresses(record *WalletRecord, mnemonic string,
	count uint32) ([]Address, error) {

	seed := bip39.NewSeed(mnemonic, "")
	defer zero(seed)

	params := m.chainParams()
	accountKey, err := deriveAccountKey(
		seed, record.AddressFormat, m.coinType(), 0, params,
	)
	if err != nil {
		return nil, err
	}
	defer accountKey.Zero()

	addrs := make([]Address, 0, count)
	for i := uint32(0); i < count; i++ {
		pubKey, err := deriveExternalPubKey(accountKey, i)
		if err != nil {
			return nil, err
		}

		addr, err := addressForPubKey(
			pubKey, record.AddressFormat, params,
		)
		if err != nil {
			return nil, err
		}

		path, err := derivation.BIP44Path(
			record.AddressFormat, m.coinType(), 0,
			derivation.ExternalChain, i,
		)
		if err != nil {
			return nil, err
		}

		addrs = append(addrs, Address{
			Name:    fmt.Sprintf("Address %d", i+1),
			Path:    path.String(),
			Address: addr.EncodeAddress(),
			PubKeyHex: hex.EncodeToString(
				pubKey.SerializeCompressed(),
			),
		})
	}

	return addrs, nil
}

// xpubAddresses derives count external addresses below an account level
// extended public key. Used for hardware wallets, where only public material
// is available locally.
func (m *Manager) xpubAddresses(record *WalletRecord,
	count uint32) ([]Address, error) {

	meta := record.Hardware
	if meta == nil {
		return nil, ErrHardwareWallet
	}

	accountKey, err := hdkeychain.NewKeyFromString(meta.Xpub)
	if err != nil {
		return nil, fmt.Errorf("corrupt account xpub: %w", err)
	}

	params := m.chainParams()

	addrs := make([]Address, 0, count)
	for i := uint32(0); i < count; i++ {
		pubKey, err := deriveExternalPubKey(accountKey, i)
		if err != nil {
			return nil, err
		}

		addr, err := addressForPubKey(
			pubKey, record.AddressFormat, params,
		)
		if err != nil {
			return nil, err
		}

		path, err := derivation.BIP44Path(
			record.AddressFormat, m.coinType(),
			meta.AccountIndex, derivation.ExternalChain, i,
		)
		if err != nil {
			return nil, err
		}

		addrs = append(addrs, Address{
			Name:    fmt.Sprintf("Address %d", i+1),
			Path:    path.String(),
			Address: addr.EncodeAddress(),
			PubKeyHex: hex.EncodeToString(
				pubKey.SerializeCompressed(),
			),
		})
	}

	return addrs, nil
}

// parsePrivateKey decodes WIF or 32 byte hex private key material.
func parsePrivateKey(material string,
	params *chaincfg.Params) (*btcec.PrivateKey, error) {

	if wif, err := btcutil.DecodeWIF(material); err == nil {
		if !wif.IsForNet(params) {
			return nil, fmt.Errorf("%w: WIF is for a different "+
				"network", ErrInvalidPrivateKey)
		}

		return wif.PrivKey, nil
	}

	raw, err := hex.DecodeString(material)
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%w: expected WIF or 32 byte hex",
			ErrInvalidPrivateKey)
	}
	defer zero(raw)

	privKey, _ := btcec.PrivKeyFromBytes(raw)

	return privKey, nil
}

// privateKeyAddress builds the single fixed address of an imported private
// key wallet. Imported keys have no derivation path.
func (m *Manager) privateKeyAddress(record *WalletRecord,
	material string) ([]Address, error) {

	privKey, err := parsePrivateKey(material, m.chainParams())
	if err != nil {
		return nil, err
	}
	defer privKey.Zero()

	pubKey := privKey.PubKey()
	addr, err := addressForPubKey(
		pubKey, record.AddressFormat, m.chainParams(),
	)
	if err != nil {
		return nil, err
	}

	return []Address{{
		Name:    "Address 1",
		Address: addr.EncodeAddress(),
		PubKeyHex: hex.EncodeToString(
			pubKey.SerializeCompressed(),
		),
	}}, nil
}

// deriveAddresses builds the full address set for a wallet record from its
// decrypted secret (nil for hardware wallets).
func (m *Manager) deriveAddresses(record *WalletRecord,
	secret *walletSecret) ([]Address, error) {

	count := record.AddressCount
	if count == 0 {
		count = 1
	}

	switch record.Kind {
	case KindMnemonic:
		return m.softwareAddresses(record, secret.Mnemonic, count)

	case KindPrivateKey:
		return m.privateKeyAddress(record, secret.PrivateKey)

	case KindHardware:
		return m.xpubAddresses(record, count)

	default:
		return nil, fmt.Errorf("unknown wallet kind %q", record.Kind)
	}
}

// AddAddress derives the next external address for the selected wallet,
// persists the grown address count and returns the new address. Private key
// wallets have exactly one address and cannot grow.
func (m *Manager) AddAddress(ctx context.Context) (*Address, error) {
	if err := m.state.canSign(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, runtime, err := m.selectedWalletLocked()
	if err != nil {
		return nil, err
	}

	if record.Kind == KindPrivateKey {
		return nil, fmt.Errorf("%w: private key wallets have a "+
			"single fixed address", ErrMaxAddresses)
	}

	if record.AddressCount >= MaxAddressesPerWallet {
		return nil, ErrMaxAddresses
	}

	secret, err := m.walletSecretLocked(record)
	if err != nil {
		return nil, err
	}

	record.AddressCount++

	addrs, err := m.deriveAddresses(record, secret)
	if err != nil {
		record.AddressCount--
		return nil, err
	}

	if err := m.persistKeychain(ctx); err != nil {
		record.AddressCount--
		return nil, err
	}

	runtime.Addresses = addrs
	runtime.Record.AddressCount = record.AddressCount

	m.rearmLockTimer(m.autoLockDuration())

	addr := addrs[len(addrs)-1]

	return &addr, nil
}

// UpdateAddressFormat switches the selected wallet to a different address
// format, re-deriving every address and the preview address. The wallet id
// stays stable: the format change is a presentation change of the same key
// material.
func (m *Manager) UpdateAddressFormat(ctx context.Context,
	format derivation.AddressFormat) error {

	if err := m.state.canSign(); err != nil {
		return err
	}

	if !format.Valid() {
		return fmt.Errorf("%w: %v", derivation.ErrUnknownFormat,
			format)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record, runtime, err := m.selectedWalletLocked()
	if err != nil {
		return err
	}

	if record.Kind == KindHardware {
		// The stored xpub is account level for a specific purpose;
		// switching formats requires a new device enrollment.
		return fmt.Errorf("%w: hardware wallets are enrolled per "+
			"format", ErrHardwareWallet)
	}

	if record.AddressFormat == format {
		return nil
	}

	secret, err := m.walletSecretLocked(record)
	if err != nil {
		return err
	}

	prevFormat := record.AddressFormat
	prevPreview := record.PreviewAddress

	record.AddressFormat = format

	addrs, err := m.deriveAddresses(record, secret)
	if err != nil {
		record.AddressFormat = prevFormat
		return err
	}
	record.PreviewAddress = addrs[0].Address

	if err := m.persistKeychain(ctx); err != nil {
		record.AddressFormat = prevFormat
		record.PreviewAddress = prevPreview

		return err
	}

	runtime.Addresses = addrs
	runtime.Record.AddressFormat = format
	runtime.Record.PreviewAddress = record.PreviewAddress

	m.rearmLockTimer(m.autoLockDuration())

	return nil
}

// selectedWalletLocked returns the persisted record and runtime view of the
// currently selected wallet.
//
// The caller must hold m.mu.
func (m *Manager) selectedWalletLocked() (*WalletRecord, *Wallet, error) {
	if m.keychain == nil {
		return nil, nil, ErrLocked
	}

	id := m.cfg.Session.ActiveWallet()
	if id == "" {
		return nil, nil, ErrNoWalletSelected
	}

	record, ok := m.keychain.findWallet(id)
	if !ok {
		return nil, nil, ErrWalletNotFound
	}

	runtime, ok := m.findRuntimeWallet(id)
	if !ok {
		return nil, nil, ErrWalletNotFound
	}

	return record, runtime, nil
}

// walletSecretLocked returns the decrypted secret of a software wallet,
// preferring the cached session copy and falling back to decrypting the
// stored ciphertext under the session master key. Hardware wallets return a
// nil secret.
//
// The caller must hold m.mu.
func (m *Manager) walletSecretLocked(
	record *WalletRecord) (*walletSecret, error) {

	if record.Kind == KindHardware {
		return nil, nil
	}

	if raw, ok := m.cfg.Session.Secret(record.ID); ok {
		defer zero(raw)
		return decodeWalletSecret(raw, record.Kind)
	}

	raw, err := m.decryptSecret(record)
	if err != nil {
		return nil, err
	}
	defer zero(raw)

	return decodeWalletSecret(raw, record.Kind)
}

// decryptSecret decrypts a software wallet's stored ciphertext under the
// session master key.
func (m *Manager) decryptSecret(record *WalletRecord) ([]byte, error) {
	masterKey, ok := m.cfg.Session.MasterKey()
	if !ok {
		return nil, ErrLocked
	}
	defer zero(masterKey)

	ciphertext, err := decodeBase64(record.EncryptedSecret)
	if err != nil {
		return nil, fmt.Errorf("corrupt secret for wallet %s: %w",
			record.ID, err)
	}

	raw, err := m.cfg.Cipher.Decrypt(ciphertext, masterKey)
	if err != nil {
		return nil, fmt.Errorf("unable to decrypt secret for "+
			"wallet %s: %w", record.ID, err)
	}

	return raw, nil
}
