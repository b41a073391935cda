// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package vault implements the password-locked keychain manager: a lifecycle
// state machine over an encrypted aggregate of wallet records, with address
// derivation and signing dispatch to either local key material or a hardware
// adapter.
package vault

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/keysuite/keyvault/derivation"
	"github.com/keysuite/keyvault/hardware"
)

const (
	// KeychainVersion is the current keychain schema version.
	KeychainVersion = 1

	// MaxWallets is the maximum number of wallet records per keychain.
	MaxWallets = 20

	// MaxAddressesPerWallet is the maximum number of derived addresses
	// per wallet.
	MaxAddressesPerWallet = 100
)

// WalletKind discriminates the secret material backing a wallet record.
type WalletKind string

const (
	// KindMnemonic is a BIP-39 mnemonic backed wallet.
	KindMnemonic WalletKind = "mnemonic"

	// KindPrivateKey is a single raw private key backed wallet.
	KindPrivateKey WalletKind = "privateKey"

	// KindHardware is an external hardware signer reference.
	KindHardware WalletKind = "hardware"
)

// Settings is the keychain wide settings blob.
type Settings struct {
	// AutoLockSeconds is the idle duration after which the keychain
	// locks itself. Zero keeps the manager default.
	AutoLockSeconds int64 `json:"autoLockSeconds,omitempty"`

	// LastActiveWalletID is the wallet auto-selected on unlock. Only
	// explicit selections update it.
	LastActiveWalletID string `json:"lastActiveWalletId,omitempty"`
}

// HardwareMeta is the public-only metadata stored for a hardware wallet.
// It never contains private key material.
type HardwareMeta struct {
	// Vendor identifies the device family.
	Vendor hardware.Vendor `json:"vendor"`

	// Xpub is the account level extended public key, used for local
	// address derivation without a device round-trip.
	Xpub string `json:"xpub"`

	// AccountIndex is the BIP-44 account number (un-hardened).
	AccountIndex uint32 `json:"accountIndex"`

	// DeviceLabel is the user assigned device name, if known.
	DeviceLabel string `json:"deviceLabel,omitempty"`

	// UsePassphrase marks the wallet as living behind the device's
	// hidden-wallet passphrase.
	UsePassphrase bool `json:"usePassphrase,omitempty"`
}

// WalletRecord is the persisted form of one wallet: identity and metadata
// plus either an encrypted secret or a hardware reference, never both.
type WalletRecord struct {
	// ID is the content derived wallet identity:
	// sha256(accountXpub || addressFormat) in hex.
	ID string `json:"id"`

	// Name is the user visible wallet name.
	Name string `json:"name"`

	// Kind discriminates the backing key material.
	Kind WalletKind `json:"kind"`

	// AddressFormat selects the script encoding of derived addresses.
	AddressFormat derivation.AddressFormat `json:"addressFormat"`

	// AddressCount is the number of derived external addresses.
	AddressCount uint32 `json:"addressCount"`

	// PreviewAddress is the first external address, shown while the
	// wallet is not selected.
	PreviewAddress string `json:"previewAddress"`

	// CreatedAt is the wallet creation time.
	CreatedAt time.Time `json:"createdAt"`

	// IsTestOnly marks testnet wallets.
	IsTestOnly bool `json:"isTestOnly,omitempty"`

	// EncryptedSecret is the base64 ciphertext of the wallet secret for
	// mnemonic and private key wallets. Absent for hardware wallets.
	EncryptedSecret string `json:"encryptedSecret,omitempty"`

	// Hardware holds the public metadata for hardware wallets. Absent
	// otherwise.
	Hardware *HardwareMeta `json:"hardware,omitempty"`
}

// validate enforces the record invariant: kind == hardware exactly when the
// record carries hardware metadata and no encrypted secret.
func (r *WalletRecord) validate() error {
	if r.ID == "" {
		return fmt.Errorf("wallet record has no id")
	}

	if !r.AddressFormat.Valid() {
		return fmt.Errorf("wallet %s: %w: %v", r.ID,
			derivation.ErrUnknownFormat, r.AddressFormat)
	}

	switch r.Kind {
	case KindHardware:
		if r.EncryptedSecret != "" {
			return fmt.Errorf("hardware wallet %s carries an "+
				"encrypted secret", r.ID)
		}
		if r.Hardware == nil || r.Hardware.Xpub == "" {
			return fmt.Errorf("hardware wallet %s has no device "+
				"metadata", r.ID)
		}

	case KindMnemonic, KindPrivateKey:
		if r.EncryptedSecret == "" {
			return fmt.Errorf("software wallet %s has no "+
				"encrypted secret", r.ID)
		}
		if r.Hardware != nil {
			return fmt.Errorf("software wallet %s carries "+
				"hardware metadata", r.ID)
		}

	default:
		return fmt.Errorf("wallet %s has unknown kind %q", r.ID,
			r.Kind)
	}

	return nil
}

// Keychain is the decrypted aggregate of all wallet records and settings. It
// exists in memory only while the vault is unlocked.
type Keychain struct {
	// Version is the keychain schema version.
	Version int `json:"version"`

	// Wallets is the ordered list of wallet records.
	Wallets []*WalletRecord `json:"wallets"`

	// Settings is the keychain wide settings blob.
	Settings Settings `json:"settings"`
}

// findWallet returns the record with the given id.
func (k *Keychain) findWallet(id string) (*WalletRecord, bool) {
	for _, record := range k.Wallets {
		if record.ID == id {
			return record, true
		}
	}

	return nil, false
}

// encodeKeychain serializes a keychain to its canonical JSON form.
func encodeKeychain(k *Keychain) ([]byte, error) {
	raw, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("unable to encode keychain: %w", err)
	}

	return raw, nil
}

// decodeKeychain parses and validates a serialized keychain, rejecting
// unsupported schema versions and malformed records at the boundary.
func decodeKeychain(raw []byte) (*Keychain, error) {
	var k Keychain
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("unable to decode keychain: %w", err)
	}

	if k.Version != KeychainVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongVersion,
			k.Version, KeychainVersion)
	}

	for _, record := range k.Wallets {
		if err := record.validate(); err != nil {
			return nil, err
		}
	}

	return &k, nil
}

// walletSecret is the tagged plaintext payload protected by EncryptedSecret.
// The kind tag must match the owning record; a mismatched or incomplete
// payload is rejected at decode time rather than deep in derivation logic.
type walletSecret struct {
	// Kind mirrors the owning record's kind.
	Kind WalletKind `json:"kind"`

	// Mnemonic is the BIP-39 phrase for mnemonic wallets.
	Mnemonic string `json:"mnemonic,omitempty"`

	// PrivateKey is the hex or WIF encoded key for private key wallets.
	PrivateKey string `json:"privateKey,omitempty"`
}

// encodeWalletSecret serializes a wallet secret.
func encodeWalletSecret(s *walletSecret) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("unable to encode secret: %w", err)
	}

	return raw, nil
}

// decodeWalletSecret parses a decrypted secret payload and checks it against
// the expected kind.
func decodeWalletSecret(raw []byte, want WalletKind) (*walletSecret, error) {
	var s walletSecret
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSecret, err)
	}

	if s.Kind != want {
		return nil, fmt.Errorf("%w: kind %q, want %q",
			ErrMalformedSecret, s.Kind, want)
	}

	switch want {
	case KindMnemonic:
		if s.Mnemonic == "" {
			return nil, fmt.Errorf("%w: empty mnemonic",
				ErrMalformedSecret)
		}

	case KindPrivateKey:
		if s.PrivateKey == "" {
			return nil, fmt.Errorf("%w: empty private key",
				ErrMalformedSecret)
		}

	default:
		return nil, fmt.Errorf("%w: kind %q has no secret",
			ErrMalformedSecret, want)
	}

	return &s, nil
}

// Address is a derived, non-secret address pointer.
type Address struct {
	// Name is the user visible address label.
	Name string `json:"name"`

	// Path is the full derivation path string.
	Path string `json:"path"`

	// Address is the encoded address.
	Address string `json:"address"`

	// PubKeyHex is the hex encoded compressed public key.
	PubKeyHex string `json:"pubKeyHex"`
}

// Wallet is the runtime view of a wallet record. Addresses are populated
// only for the currently selected wallet; every other wallet exposes just
// its preview address.
type Wallet struct {
	// Record is a copy of the underlying wallet record, with the
	// encrypted secret stripped.
	Record WalletRecord

	// Addresses is the derived address set. Empty unless this wallet is
	// selected.
	Addresses []Address
}

// walletID computes the deterministic wallet identity from the account level
// public material and the address format. The same material imported with a
// different format yields a distinct wallet.
func walletID(accountXpub string, format derivation.AddressFormat) string {
	digest := chainhash.HashH([]byte(accountXpub + "|" + format.String()))
	return digest.String()
}
